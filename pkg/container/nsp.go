package container

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/falk/yati-go/pkg/source"
)

const pfs0Magic = 0x30534650 // "PFS0"

type pfs0Header struct {
	Magic           uint32
	TotalFiles      uint32
	StringTableSize uint32
	Padding         uint32
}

type pfs0FileTableEntry struct {
	DataOffset uint64
	DataSize   uint64
	NameOffset uint32
	Padding    uint32
}

const (
	pfs0HeaderSize = 0x10
	pfs0EntrySize  = 0x18
)

// Nsp parses a PFS0 container.
type Nsp struct {
	src source.Source
}

func NewNsp(src source.Source) *Nsp {
	return &Nsp{src: src}
}

func (n *Nsp) Source() source.Source { return n.src }

// Validate checks the PFS0 magic without walking the file table.
func (n *Nsp) Validate() error {
	var raw [4]byte
	if _, err := n.src.Read(raw[:], 0); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(raw[:]) != pfs0Magic {
		return ErrNotFound
	}
	return nil
}

func (n *Nsp) GetCollections() ([]CollectionEntry, error) {
	var off int64

	raw := make([]byte, pfs0HeaderSize)
	if _, err := n.src.Read(raw, off); err != nil {
		return nil, err
	}

	var header pfs0Header
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if header.Magic != pfs0Magic {
		return nil, ErrNotFound
	}
	off += pfs0HeaderSize

	tableRaw := make([]byte, int(header.TotalFiles)*pfs0EntrySize)
	if _, err := n.src.Read(tableRaw, off); err != nil {
		return nil, err
	}
	table := make([]pfs0FileTableEntry, header.TotalFiles)
	if err := binary.Read(bytes.NewReader(tableRaw), binary.LittleEndian, &table); err != nil {
		return nil, err
	}
	off += int64(len(tableRaw))

	stringTable := make([]byte, header.StringTableSize)
	if _, err := n.src.Read(stringTable, off); err != nil {
		return nil, err
	}
	off += int64(len(stringTable))

	out := make([]CollectionEntry, 0, header.TotalFiles)
	for i := range table {
		name, err := tableName(stringTable, table[i].NameOffset)
		if err != nil {
			return nil, err
		}
		out = append(out, CollectionEntry{
			Name:   name,
			Offset: off + int64(table[i].DataOffset),
			Size:   int64(table[i].DataSize),
		})
	}
	return out, nil
}

func tableName(stringTable []byte, offset uint32) (string, error) {
	if offset >= uint32(len(stringTable)) {
		return "", fmt.Errorf("name offset out of bounds")
	}
	end := offset
	for end < uint32(len(stringTable)) && stringTable[end] != 0 {
		end++
	}
	return string(stringTable[offset:end]), nil
}
