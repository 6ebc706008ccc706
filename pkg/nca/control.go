package nca

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/falk/yati-go/pkg/keys"
)

// NacpLanguageEntry is one localisation slot of a control.nacp.
type NacpLanguageEntry struct {
	Name   [0x200]byte
	Author [0x100]byte
}

const nacpLanguageCount = 16

type romfsHeader struct {
	HeaderSize     uint64
	DirHashOffset  uint64
	DirHashSize    uint64
	DirMetaOffset  uint64
	DirMetaSize    uint64
	FileHashOffset uint64
	FileHashSize   uint64
	FileMetaOffset uint64
	FileMetaSize   uint64
	FileDataOffset uint64
}

// romfsFile finds a file by name in an in-memory RomFS image. Only the
// flat file-table walk needed for control.nacp is implemented.
func romfsFile(image []byte, name string) ([]byte, error) {
	var h romfsHeader
	if err := binary.Read(bytes.NewReader(image), binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	if h.FileMetaOffset+h.FileMetaSize > uint64(len(image)) {
		return nil, fmt.Errorf("nca: truncated romfs file table")
	}

	table := image[h.FileMetaOffset : h.FileMetaOffset+h.FileMetaSize]
	for off := uint64(0); off+0x20 <= uint64(len(table)); {
		entry := table[off:]
		dataOff := binary.LittleEndian.Uint64(entry[0x8:])
		dataSize := binary.LittleEndian.Uint64(entry[0x10:])
		nameLen := binary.LittleEndian.Uint32(entry[0x1C:])

		if off+0x20+uint64(nameLen) > uint64(len(table)) {
			return nil, fmt.Errorf("nca: truncated romfs entry name")
		}
		entryName := string(table[off+0x20 : off+0x20+uint64(nameLen)])

		if entryName == name {
			start := h.FileDataOffset + dataOff
			if start+dataSize > uint64(len(image)) {
				return nil, fmt.Errorf("nca: truncated romfs file %q", name)
			}
			return image[start : start+dataSize], nil
		}

		// entries are padded to 4 bytes.
		off += 0x20 + (uint64(nameLen)+3)&^3
	}
	return nil, fmt.Errorf("nca: no %q in romfs", name)
}

// ReadControlName opens an installed control NCA and returns the first
// localised title name from its control.nacp.
func ReadControlName(path string, k *keys.Keys) (string, error) {
	section, err := readSection(path, k, 0)
	if err != nil {
		return "", err
	}
	nacp, err := romfsFile(section, "control.nacp")
	if err != nil {
		return "", err
	}
	return nacpName(nacp)
}

// nacpName extracts the first non-empty localised name.
func nacpName(nacp []byte) (string, error) {
	for i := 0; i < nacpLanguageCount; i++ {
		off := i * 0x300
		if off+0x200 > len(nacp) {
			break
		}
		name := bytes.TrimRight(nacp[off:off+0x200], "\x00")
		if len(name) > 0 {
			return string(name), nil
		}
	}
	return "", fmt.Errorf("nca: control.nacp has no name")
}
