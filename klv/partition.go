package klv

import (
	"encoding/binary"
	"fmt"
)

// Partition kinds as carried in byte 13 of the pack key.
const (
	HeaderPartition  = "header"
	BodyPartition    = "body"
	FooterPartition  = "footer"
	GenericPartition = "genericstreampartition"
)

var order = binary.BigEndian

// partitionValueLen is the fixed part of a partition pack value, up
// to and including the BodySID. The operational pattern and essence
// container batch follow and are not needed here.
const partitionValueLen = 64

// Partition is a parsed partition pack.
type Partition struct {
	Kind      string
	Closed    bool
	Completed bool

	MajorVersion      uint16
	MinorVersion      uint16
	KAGSize           uint32
	ThisPartition     int64
	PreviousPartition int64
	FooterPartition   int64
	HeaderByteCount   int64
	IndexByteCount    int64
	IndexSID          uint32
	BodyOffset        int64
	BodySID           uint32
}

// IsFooter reports whether this is the footer partition.
func (p *Partition) IsFooter() bool {
	return p.Kind == FooterPartition
}

// SetThisPartition overrides the declared ThisPartition with the
// physical position the pack was actually found at.
func (p *Partition) SetThisPartition(pos int64) {
	p.ThisPartition = pos
}

// ParsePartition decodes a partition pack from its key and value
// bytes.
func ParsePartition(key Key, value []byte) (*Partition, error) {
	if !IsPartitionPack(key) {
		return nil, fmt.Errorf("key %s is not a partition pack", key)
	}
	if len(value) < partitionValueLen {
		return nil, fmt.Errorf("partition pack value too short: %d bytes", len(value))
	}

	var p Partition
	switch key[13] {
	case 0x02:
		p.Kind = HeaderPartition
	case 0x03:
		if key[14] == 0x11 {
			p.Kind = GenericPartition
		} else {
			p.Kind = BodyPartition
		}
	case 0x04:
		p.Kind = FooterPartition
	}
	// pack status: 01 open incomplete, 02 closed incomplete,
	// 03 open complete, 04 closed complete
	p.Closed = key[14] == 0x02 || key[14] == 0x04
	p.Completed = key[14] == 0x03 || key[14] == 0x04

	p.MajorVersion = order.Uint16(value[0:2:2])
	p.MinorVersion = order.Uint16(value[2:4:4])
	p.KAGSize = order.Uint32(value[4:8:8])
	p.ThisPartition = int64(order.Uint64(value[8:16:16]))
	p.PreviousPartition = int64(order.Uint64(value[16:24:24]))
	p.FooterPartition = int64(order.Uint64(value[24:32:32]))
	p.HeaderByteCount = int64(order.Uint64(value[32:40:40]))
	p.IndexByteCount = int64(order.Uint64(value[40:48:48]))
	p.IndexSID = order.Uint32(value[48:52:52])
	p.BodyOffset = int64(order.Uint64(value[52:60:60]))
	p.BodySID = order.Uint32(value[60:64:64])

	return &p, nil
}
