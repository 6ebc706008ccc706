package container

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/falk/yati-go/pkg/source"
)

const (
	xciMagic         = 0x44414548 // "HEAD"
	xciMagicOffset   = 0x100
	hfs0Magic        = 0x30534648 // "HFS0"
	hfs0HeaderOffset = 0xF000
	hfs0EntrySize    = 0x40
)

type hfs0FileTableEntry struct {
	DataOffset uint64
	DataSize   uint64
	NameOffset uint32
	HashSize   uint32
	Padding    uint64
	Hash       [0x20]byte
}

type hfs0Partition struct {
	header     pfs0Header
	fileTable  []hfs0FileTableEntry
	names      []string
	dataOffset int64
}

// Xci parses the HFS0 tree of a gamecard image; only files of the
// "secure" partition are enumerated.
type Xci struct {
	src source.Source
}

func NewXci(src source.Source) *Xci {
	return &Xci{src: src}
}

func (x *Xci) Source() source.Source { return x.src }

// Validate checks the gamecard header magic at 0x100.
func (x *Xci) Validate() error {
	var raw [4]byte
	if _, err := x.src.Read(raw[:], xciMagicOffset); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(raw[:]) != xciMagic {
		return ErrNotFound
	}
	return nil
}

func (x *Xci) partition(off int64) (*hfs0Partition, error) {
	raw := make([]byte, pfs0HeaderSize)
	if _, err := x.src.Read(raw, off); err != nil {
		return nil, err
	}

	var p hfs0Partition
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &p.header); err != nil {
		return nil, err
	}
	if p.header.Magic != hfs0Magic {
		return nil, fmt.Errorf("hfs0 at 0x%X: %w", off, ErrNotFound)
	}
	off += pfs0HeaderSize

	tableRaw := make([]byte, int(p.header.TotalFiles)*hfs0EntrySize)
	if _, err := x.src.Read(tableRaw, off); err != nil {
		return nil, err
	}
	p.fileTable = make([]hfs0FileTableEntry, p.header.TotalFiles)
	if err := binary.Read(bytes.NewReader(tableRaw), binary.LittleEndian, &p.fileTable); err != nil {
		return nil, err
	}
	off += int64(len(tableRaw))

	stringTable := make([]byte, p.header.StringTableSize)
	if _, err := x.src.Read(stringTable, off); err != nil {
		return nil, err
	}
	off += int64(len(stringTable))

	for i := range p.fileTable {
		name, err := tableName(stringTable, p.fileTable[i].NameOffset)
		if err != nil {
			return nil, err
		}
		p.names = append(p.names, name)
	}

	p.dataOffset = off
	return &p, nil
}

func (x *Xci) GetCollections() ([]CollectionEntry, error) {
	root, err := x.partition(hfs0HeaderOffset)
	if err != nil {
		return nil, err
	}

	for i, name := range root.names {
		if name != "secure" {
			continue
		}

		secure, err := x.partition(root.dataOffset + int64(root.fileTable[i].DataOffset))
		if err != nil {
			return nil, err
		}

		out := make([]CollectionEntry, 0, len(secure.names))
		for j, fname := range secure.names {
			out = append(out, CollectionEntry{
				Name:   fname,
				Offset: secure.dataOffset + int64(secure.fileTable[j].DataOffset),
				Size:   int64(secure.fileTable[j].DataSize),
			})
		}
		return out, nil
	}

	return nil, fmt.Errorf("xci: no secure partition: %w", ErrNotFound)
}
