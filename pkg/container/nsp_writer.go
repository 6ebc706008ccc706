package container

import (
	"bytes"
	"encoding/binary"
)

// NspFile is one file to be packed into a PFS0 image.
type NspFile struct {
	Name string
	Data []byte
}

// BuildNsp packs files into a PFS0 image. The string table is padded so
// the header as a whole lands on a 0x20 boundary, matching the images
// produced by dump tools.
func BuildNsp(files []NspFile) []byte {
	var stringTable []byte
	table := make([]pfs0FileTableEntry, len(files))

	var dataOffset uint64
	for i, f := range files {
		table[i].DataOffset = dataOffset
		table[i].DataSize = uint64(len(f.Data))
		table[i].NameOffset = uint32(len(stringTable))
		stringTable = append(stringTable, f.Name...)
		stringTable = append(stringTable, 0)
		dataOffset += uint64(len(f.Data))
	}

	namelessSize := pfs0HeaderSize + len(table)*pfs0EntrySize
	padded := ((namelessSize + len(stringTable) + 0x1F) &^ 0x1F) - namelessSize
	if padded == len(stringTable) {
		padded += 0x20
	}
	stringTable = append(stringTable, make([]byte, padded-len(stringTable))...)

	header := pfs0Header{
		Magic:           pfs0Magic,
		TotalFiles:      uint32(len(files)),
		StringTableSize: uint32(len(stringTable)),
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, header)
	binary.Write(&buf, binary.LittleEndian, table)
	buf.Write(stringTable)
	for _, f := range files {
		buf.Write(f.Data)
	}
	return buf.Bytes()
}

// BuildXci packs files into a minimal gamecard image: a master header
// with the "HEAD" magic, a root HFS0 at 0xF000 holding a single
// "secure" partition with the given files.
func BuildXci(files []NspFile) []byte {
	secure := buildHfs0(files)
	root := buildHfs0Entries([]string{"secure"}, [][]byte{secure})

	image := make([]byte, hfs0HeaderOffset)
	binary.LittleEndian.PutUint32(image[xciMagicOffset:], xciMagic)
	image = append(image, root...)
	return image
}

func buildHfs0(files []NspFile) []byte {
	names := make([]string, len(files))
	data := make([][]byte, len(files))
	for i, f := range files {
		names[i] = f.Name
		data[i] = f.Data
	}
	return buildHfs0Entries(names, data)
}

func buildHfs0Entries(names []string, data [][]byte) []byte {
	var stringTable []byte
	table := make([]hfs0FileTableEntry, len(names))

	var dataOffset uint64
	for i := range names {
		table[i].DataOffset = dataOffset
		table[i].DataSize = uint64(len(data[i]))
		table[i].NameOffset = uint32(len(stringTable))
		stringTable = append(stringTable, names[i]...)
		stringTable = append(stringTable, 0)
		dataOffset += uint64(len(data[i]))
	}

	header := pfs0Header{
		Magic:           hfs0Magic,
		TotalFiles:      uint32(len(names)),
		StringTableSize: uint32(len(stringTable)),
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, header)
	binary.Write(&buf, binary.LittleEndian, table)
	buf.Write(stringTable)
	for _, d := range data {
		buf.Write(d)
	}
	return buf.Bytes()
}
