package nca

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/falk/yati-go/pkg/crypto"
	"github.com/falk/yati-go/pkg/keys"
	"github.com/falk/yati-go/pkg/ncm"
)

var errNoSection = errors.New("nca: no usable section")

// readSection loads and decrypts one section of an installed NCA file.
// Only the crypto the meta/control readers need is supported: None and
// AesCtr.
func readSection(path string, k *keys.Keys, index int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw := make([]byte, HeaderSize)
	if _, err := f.ReadAt(raw, 0); err != nil {
		return nil, err
	}

	h, err := DecryptHeader(raw, k.HeaderKey[:])
	if err != nil {
		return nil, err
	}

	entry := h.FsTable[index]
	if entry.MediaStartOffset == 0 && entry.MediaEndOffset == 0 {
		return nil, errNoSection
	}

	start := int64(entry.MediaStartOffset) * MediaSize
	end := int64(entry.MediaEndOffset) * MediaSize
	data := make([]byte, end-start)
	if _, err := f.ReadAt(data, start); err != nil {
		return nil, err
	}

	fsh := &h.FsHeader[index]
	switch fsh.EncryptionType {
	case EncryptionNone:
	case EncryptionAesCtr:
		if err := DecryptKeyArea(k, h); err != nil {
			return nil, err
		}
		iv := make([]byte, 0x10)
		binary.BigEndian.PutUint64(iv, fsh.SectionCtr)
		if err := crypto.CTRCrypt(data, h.KeyArea[2][:], iv, start); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("nca: unsupported section crypto %d", fsh.EncryptionType)
	}

	return data, nil
}

// pfs0File locates a file by suffix inside an in-memory PFS0 image.
func pfs0File(image []byte, suffix string) ([]byte, error) {
	if len(image) < 0x10 || binary.LittleEndian.Uint32(image) != 0x30534650 {
		return nil, fmt.Errorf("nca: section is not a PFS0")
	}

	totalFiles := binary.LittleEndian.Uint32(image[0x4:])
	stringTableSize := binary.LittleEndian.Uint32(image[0x8:])

	tableOff := uint32(0x10)
	stringOff := tableOff + totalFiles*0x18
	dataOff := stringOff + stringTableSize
	if uint32(len(image)) < dataOff {
		return nil, fmt.Errorf("nca: truncated PFS0")
	}
	stringTable := image[stringOff:dataOff]

	for i := uint32(0); i < totalFiles; i++ {
		entry := image[tableOff+i*0x18:]
		fileOff := binary.LittleEndian.Uint64(entry)
		fileSize := binary.LittleEndian.Uint64(entry[0x8:])
		nameOff := binary.LittleEndian.Uint32(entry[0x10:])

		end := nameOff
		for end < uint32(len(stringTable)) && stringTable[end] != 0 {
			end++
		}
		name := string(stringTable[nameOff:end])
		if !strings.HasSuffix(name, suffix) {
			continue
		}

		start := uint64(dataOff) + fileOff
		if start+fileSize > uint64(len(image)) {
			return nil, fmt.Errorf("nca: truncated PFS0 entry %q", name)
		}
		return image[start : start+fileSize], nil
	}
	return nil, fmt.Errorf("nca: no %q entry in section", suffix)
}

// ReadCnmt opens an installed meta NCA, walks its inner PFS0 and parses
// the single .cnmt file into header, extended header and content infos.
func ReadCnmt(path string, k *keys.Keys) (*ncm.PackagedContentMeta, []byte, []ncm.PackagedContentInfo, error) {
	section, err := readSection(path, k, 0)
	if err != nil {
		return nil, nil, nil, err
	}

	blob, err := pfs0File(section, ".cnmt")
	if err != nil {
		return nil, nil, nil, err
	}

	var meta ncm.PackagedContentMeta
	r := bytes.NewReader(blob)
	if err := binary.Read(r, binary.LittleEndian, &meta); err != nil {
		return nil, nil, nil, err
	}

	extended := make([]byte, meta.MetaHeader.ExtendedHeaderSize)
	if _, err := r.Read(extended); err != nil && len(extended) > 0 {
		return nil, nil, nil, err
	}

	infos := make([]ncm.PackagedContentInfo, meta.MetaHeader.ContentCount)
	if err := binary.Read(r, binary.LittleEndian, &infos); err != nil {
		return nil, nil, nil, err
	}

	return &meta, extended, infos, nil
}
