// Package extract drives the essence reader over a complete MXF file
// and saves each track's frames to individual files.
package extract

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/metarex-media/mxf-reader/essence"
	"github.com/metarex-media/mxf-reader/klv"
)

// OpenReader scans the partitions of src and assembles an
// essence reader over the file's essence stream with every discovered
// track enabled. The file must be complete.
func OpenReader(src *os.File) (*essence.Reader, *klv.File, error) {
	f := klv.NewFile(src)
	if err := f.ScanPartitions(); err != nil {
		return nil, nil, err
	}
	partitions := f.Partitions()
	if len(partitions) == 0 {
		return nil, nil, fmt.Errorf("no partitions found")
	}
	if !partitions[len(partitions)-1].IsFooter() {
		return nil, nil, fmt.Errorf("file has no footer partition, the essence extraction needs a complete file")
	}

	var bodySID, indexSID uint32
	var bodyPartition *klv.Partition
	for _, p := range partitions {
		if bodySID == 0 && p.BodySID != 0 {
			bodySID = p.BodySID
			bodyPartition = p
		}
		if indexSID == 0 && p.IndexSID != 0 {
			indexSID = p.IndexSID
		}
	}
	if bodySID == 0 {
		return nil, nil, fmt.Errorf("no essence stream found in any partition")
	}

	descriptor, err := essence.ProbeDescriptor(f, partitions[0])
	if err != nil {
		return nil, nil, err
	}

	tracks, clipWrapped, err := discoverTracks(f, bodyPartition, descriptor)
	if err != nil {
		return nil, nil, err
	}

	var editRate essence.Rational
	if descriptor != nil {
		editRate = descriptor.SampleRate
	}

	reader, err := essence.NewReader(f, essence.Config{
		BodySID:        bodySID,
		IndexSID:       indexSID,
		ClipWrapped:    clipWrapped,
		EditRate:       editRate,
		Tracks:         tracks,
		Descriptor:     descriptor,
		FileIsComplete: true,
	})
	if err != nil {
		return nil, nil, err
	}
	return reader, f, nil
}

// discoverTracks walks the first content package of the essence
// partition, collecting a track per distinct essence element key.
// Sound elements declaring the clip wrapped element type, and Avid
// elements, mark the stream clip wrapped.
func discoverTracks(f *klv.File, partition *klv.Partition, descriptor *essence.Descriptor) ([]*essence.Track, bool, error) {
	if err := f.Seek(partition.ThisPartition); err != nil {
		return nil, false, err
	}
	_, _, length, err := f.ReadKL()
	if err != nil {
		return nil, false, err
	}
	if err := f.Skip(int64(length)); err != nil {
		return nil, false, err
	}

	var tracks []*essence.Track
	seen := make(map[uint32]bool)
	var startKey klv.Key
	clipWrapped := false

	for !f.EOF() {
		key, llen, length, err := f.ReadNextNonFillerKL()
		if err != nil {
			return nil, false, err
		}
		klLen := int64(klv.KeyLen) + int64(llen)

		switch {
		case klv.IsPartitionPack(key):
			return tracks, clipWrapped, nil

		case klv.IsHeaderMetadata(key):
			if partition.HeaderByteCount > klLen+int64(length) {
				err = f.Skip(partition.HeaderByteCount - klLen)
			} else {
				err = f.Skip(int64(length))
			}

		case klv.IsGCEssenceElement(key) || klv.IsAvidEssenceElement(key):
			if startKey == klv.NullKey {
				startKey = key
			} else if key == startKey {
				// the second content package has started
				return tracks, clipWrapped, nil
			}
			number := klv.TrackNumber(key)
			if !seen[number] && !klv.IsSystemItem(key) {
				isPicture := descriptor != nil && descriptor.Kind == essence.KindPicture
				tracks = append(tracks, &essence.Track{
					Number:    number,
					Enabled:   true,
					IsPicture: isPicture && len(tracks) == 0,
				})
				seen[number] = true
			}
			if klv.IsAvidEssenceElement(key) || (key[12] == 0x16 && key[14] == 0x02) {
				clipWrapped = true
			}
			err = f.Skip(int64(length))

		default:
			err = f.Skip(int64(length))
		}
		if err != nil {
			return nil, false, err
		}
	}

	return tracks, clipWrapped, nil
}

// EssenceExtractToFile reads every edit unit in the read window and
// dumps each track's frames to parentFolder, one file per frame with
// leadingZeros wide numbering.
func EssenceExtractToFile(src *os.File, parentFolder string, leadingZeros int) error {
	parentFolder, _ = filepath.Abs(parentFolder)

	if _, err := os.Stat(parentFolder); os.IsNotExist(err) {
		if err := os.MkdirAll(parentFolder, os.ModePerm); err != nil {
			return fmt.Errorf("error generating destination folder %v", err)
		}
	}

	reader, _, err := OpenReader(src)
	if err != nil {
		return err
	}
	tracks := reader.Tracks()

	for _, track := range tracks {
		trackFolder := filepath.Join(parentFolder, fmt.Sprintf("track%08x", track.Number))
		if err := os.MkdirAll(trackFolder, os.ModePerm); err != nil {
			return err
		}
	}

	reader.SetReadLimits(0, reader.ReadDuration())

	frameCount := make(map[uint32]int)
	for {
		produced, err := reader.Read(1)
		if err != nil {
			return err
		}
		if produced == 0 {
			break
		}

		for _, track := range tracks {
			for {
				frame := track.Buffer.PopFrame()
				if frame == nil {
					break
				}
				name := fmt.Sprintf("frame%0*d.raw", leadingZeros, frameCount[track.Number])
				target := filepath.Join(parentFolder, fmt.Sprintf("track%08x", track.Number), name)
				if err := os.WriteFile(target, frame.Bytes(), 0o644); err != nil {
					return err
				}
				frameCount[track.Number]++
			}
		}
	}

	return nil
}
