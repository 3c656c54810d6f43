// Package inspect generates yaml/json structure reports of an MXF
// file: partitions, content packages and decoded index tables.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/metarex-media/mxf-reader/klv"

	mxf2go "github.com/metarex-media/mxf-to-go"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// StructureExtractor takes an MXF stream and writes its layout report
// to w, as json when jsonFile is set and yaml otherwise.
func StructureExtractor(mxfStream io.Reader, w io.Writer, jsonFile bool) error {

	layout, err := FileLayout(mxfStream)
	if err != nil {
		return err
	}

	var layoutBytes []byte
	if jsonFile {
		layoutBytes, err = json.MarshalIndent(layout, "", "    ")
	} else {
		layoutBytes, err = yaml.Marshal(layout)
	}
	if err != nil {
		return err
	}

	_, err = w.Write(layoutBytes)
	return err
}

// Layout is the report body: an array of partitions and their essence
// information in the order they were found in the file.
type Layout struct {
	Warnings   []Warning   `yaml:"Warnings,omitempty" json:"Warnings,omitempty"`
	Partitions []Partition `yaml:"Partitions" json:"Partitions"`
}

// Warning is a soft error carried as report data, such as essence
// found in a header partition.
type Warning struct {
	Message string `yaml:"Message" json:"Message"`
}

// Partition is one partition's slice of the report.
type Partition struct {
	PartitionType       string `yaml:"PartitionType" json:"PartitionType"`
	ThisPartition       int64  `yaml:"ThisPartition" json:"ThisPartition"`
	BodySID             uint32 `yaml:"BodySID" json:"BodySID"`
	IndexSID            uint32 `yaml:"IndexSID" json:"IndexSID"`
	BodyOffset          int64  `yaml:"BodyOffset" json:"BodyOffset"`
	EssenceByteCount    int    `yaml:"EssenceByteCount" json:"EssenceByteCount"`
	ContentPackageCount int    `yaml:"ContentPackageCount" json:"ContentPackageCount"`

	IndexTable      map[string]any   `yaml:"IndexTable,omitempty" json:"IndexTable,omitempty"`
	Warning         *Warning         `yaml:"Warning,omitempty" json:"Warning,omitempty"`
	ContentPackages []ContentPackage `yaml:"ContentPackages,omitempty" json:"ContentPackages,omitempty"`
}

// ContentPackage is the elements of one content package.
type ContentPackage struct {
	Elements   []Element `yaml:"ContentPackage,omitempty" json:"ContentPackage,omitempty"`
	ByteCount  int       `yaml:"ContentPackageLength,omitempty" json:"ContentPackageLength,omitempty"`
	FileOffset int       `yaml:"FileOffset,omitempty" json:"FileOffset,omitempty"`
}

// Element is a single KLV of a content package with its registry
// label.
type Element struct {
	Key            string `yaml:"Key" json:"Key"`
	Symbol         string `yaml:"Symbol,omitempty" json:"Symbol,omitempty"`
	Description    string `yaml:"Description,omitempty" json:"Description,omitempty"`
	FileOffset     int    `yaml:"FileOffset" json:"FileOffset"`
	Length         int    `yaml:"Length" json:"Length"`
	TotalByteCount int    `yaml:"TotalByteCount" json:"TotalByteCount"`
}

// FileLayout runs the channel KLV stream over mxfStream and folds the
// triples into a Layout.
func FileLayout(mxfStream io.Reader) (*Layout, error) {

	klvChan := make(chan *klv.KLV, 100)

	errs, _ := errgroup.WithContext(context.Background())

	errs.Go(func() error {
		return klv.StartKLVStream(mxfStream, klvChan, 10)
	})

	countStart := 0
	folder := &layoutFolder{
		primer:       make(map[string]string),
		unknown:      make(map[string]mxf2go.EssenceInformation),
		unknownCount: &countStart,
	}

	errs.Go(func() error {
		// drain the channel on early return so the stream stage is
		// not blocked forever
		defer func() {
			for range klvChan {
			}
		}()

		for klvItem := range klvChan {
			key := klv.KeyFromBytes(klvItem.Key)

			switch {
			case klv.IsRandomIndexPack(key):
				// the RIP ends the file, nothing further to fold
				return nil
			case klv.IsPartitionPack(key):
				if err := folder.partitionFold(klvItem, klvChan); err != nil {
					return err
				}
			default:
				if err := folder.essenceFold(klvItem); err != nil {
					return err
				}
			}
		}
		return nil
	})

	if err := errs.Wait(); err != nil {
		return nil, err
	}

	folder.closePartition()
	return &Layout{Warnings: folder.warnings, Partitions: folder.partitions}, nil
}

type layoutFolder struct {
	primer       map[string]string
	unknown      map[string]mxf2go.EssenceInformation
	unknownCount *int

	partitions []Partition
	warnings   []Warning

	current        *Partition
	currentPackage *ContentPackage
	byteCount      int
	globalPosition int
	startKey       string
}

// closePartition folds the partition being accumulated into the
// report.
func (l *layoutFolder) closePartition() {
	if l.current == nil {
		return
	}
	l.flushPackage()
	l.current.EssenceByteCount = l.byteCount
	l.current.ContentPackageCount = len(l.current.ContentPackages)
	if l.current.PartitionType == klv.HeaderPartition && l.current.ContentPackageCount > 0 {
		l.current.Warning = &Warning{Message: "Essence found in the partition header"}
	}
	l.partitions = append(l.partitions, *l.current)
	l.current = nil
}

func (l *layoutFolder) flushPackage() {
	if l.currentPackage != nil && len(l.currentPackage.Elements) > 0 {
		l.current.ContentPackages = append(l.current.ContentPackages, *l.currentPackage)
	}
	l.currentPackage = nil
}

func (l *layoutFolder) partitionFold(klvItem *klv.KLV, metadata chan *klv.KLV) error {

	l.closePartition()

	key := klv.KeyFromBytes(klvItem.Key)
	partition, err := klv.ParsePartition(key, klvItem.Value)
	if err != nil {
		return err
	}

	l.current = &Partition{
		PartitionType: partition.Kind,
		ThisPartition: partition.ThisPartition,
		BodySID:       partition.BodySID,
		IndexSID:      partition.IndexSID,
		BodyOffset:    partition.BodyOffset,
	}
	l.byteCount = 0
	l.startKey = ""
	l.globalPosition += klvItem.TotalLength()

	// flush out the header metadata, keeping the primer for the
	// local tag lookups
	flushedMeta := 0
	for flushedMeta < int(partition.HeaderByteCount) {
		flush, open := <-metadata
		if !open {
			return fmt.Errorf("klv stream interrupted inside header metadata")
		}
		flushedMeta += flush.TotalLength()
		l.globalPosition += flush.TotalLength()

		if klv.IsPrimerPack(klv.KeyFromBytes(flush.Key)) {
			primerUnpack(flush.Value, l.primer)
		}
	}

	// the index table follows the metadata
	if partition.IndexByteCount > 0 {
		index, open := <-metadata
		if !open {
			return fmt.Errorf("klv stream interrupted before an index table")
		}
		l.globalPosition += index.TotalLength()
		filledTable, err := indexUnpack(index, l.primer)
		if err != nil {
			return err
		}
		l.current.IndexTable = filledTable
	}

	return nil
}

func (l *layoutFolder) essenceFold(klvItem *klv.KLV) error {

	if l.current == nil {
		return fmt.Errorf("invalid mxf file: essence before the first partition")
	}

	key := klv.KeyFromBytes(klvItem.Key)
	total := klvItem.TotalLength()

	if klv.IsFiller(key) {
		l.byteCount += total
		l.globalPosition += total
		return nil
	}

	// label the key from the registers
	gotType := essenceType(klvItem.Key, l.unknown, l.unknownCount)

	name := key.String()
	if l.startKey == "" {
		l.startKey = name
	}
	if name == l.startKey || l.currentPackage == nil {
		l.flushPackage()
		l.currentPackage = &ContentPackage{FileOffset: l.globalPosition}
	}

	l.currentPackage.Elements = append(l.currentPackage.Elements, Element{
		Key:            name,
		Symbol:         gotType.Symbol,
		Description:    gotType.Definition,
		FileOffset:     l.globalPosition,
		Length:         len(klvItem.Value),
		TotalByteCount: total,
	})
	l.currentPackage.ByteCount += total

	l.globalPosition += total
	l.byteCount += total

	return nil
}

const ulPrefix = "urn:smpte:ul:"

// essenceType returns the registry information for an essence key,
// allotting a placeholder symbol when no register matches.
func essenceType(ul []byte, matches map[string]mxf2go.EssenceInformation, pos *int) mxf2go.EssenceInformation {

	if ess, ok := mxf2go.EssenceLookUp[ulPrefix+maskedNameTwo(ul)]; ok {
		return ess
	}
	if ess, ok := mxf2go.EssenceLookUp[ulPrefix+maskedNameOne(ul)]; ok {
		return ess
	}
	if ess, ok := mxf2go.EssenceLookUp[ulPrefix+klv.KeyFromBytes(ul).String()]; ok {
		return ess
	}

	if ess, ok := matches[string(ul)]; ok {
		return ess
	}
	sym := fmt.Sprintf("UnknownItem%v", *pos)
	newEss := mxf2go.EssenceInformation{Symbol: sym, UL: ulPrefix + maskedNameOne(ul)}
	matches[string(ul)] = newEss
	*pos++
	return newEss
}

func maskedNameTwo(namebytes []byte) string {
	if len(namebytes) != 16 {
		return ""
	}

	return fmt.Sprintf("%02x%02x%02x%02x.%02x%02x%02x%02x.%02x%02x%02x%02x.%02x7f%02x7f",
		namebytes[0], namebytes[1], namebytes[2], namebytes[3], namebytes[4], namebytes[5], namebytes[6], namebytes[7],
		namebytes[8], namebytes[9], namebytes[10], namebytes[11], namebytes[12], namebytes[14])
}

func maskedNameOne(namebytes []byte) string {
	if len(namebytes) != 16 {
		return ""
	}

	return fmt.Sprintf("%02x%02x%02x%02x.%02x%02x%02x%02x.%02x%02x%02x%02x.%02x%02x%02x7f",
		namebytes[0], namebytes[1], namebytes[2], namebytes[3], namebytes[4], namebytes[5], namebytes[6], namebytes[7],
		namebytes[8], namebytes[9], namebytes[10], namebytes[11], namebytes[12], namebytes[13], namebytes[14])
}
