package ncz

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/falk/yati-go/pkg/crypto"
)

// Compress converts a full encrypted NCA image into an NCZ stream. The
// byte ranges covered by CTR sections are decrypted before compression,
// exactly what the installer's transform stage undoes. A blockSizeExp
// of zero produces the plain single-stream flavour; otherwise the
// random-access block table is emitted, with blocks stored literally
// whenever compression does not win.
func Compress(nca []byte, sections []Section, blockSizeExp uint8, level int) ([]byte, error) {
	if len(nca) < 0x4000 {
		return nil, fmt.Errorf("ncz: nca smaller than header region")
	}

	payload := make([]byte, len(nca)-0x4000)
	copy(payload, nca[0x4000:])
	if err := decryptSections(payload, 0x4000, sections); err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	defer enc.Close()

	var buf bytes.Buffer
	buf.Write(nca[:0x4000])

	header := Header{Magic: SectionMagic, TotalSections: uint64(len(sections))}
	binary.Write(&buf, binary.LittleEndian, &header)
	binary.Write(&buf, binary.LittleEndian, sections)

	if blockSizeExp == 0 {
		buf.Write(enc.EncodeAll(payload, nil))
		return buf.Bytes(), nil
	}

	blockSize := int64(1) << blockSizeExp
	blockCount := (int64(len(payload)) + blockSize - 1) / blockSize

	blockHeader := BlockHeader{
		Magic:            BlockMagic,
		Version:          2,
		Type:             1,
		BlockSizeExp:     blockSizeExp,
		TotalBlocks:      uint32(blockCount),
		DecompressedSize: uint64(len(payload)),
	}
	if err := blockHeader.Validate(); err != nil {
		return nil, err
	}
	binary.Write(&buf, binary.LittleEndian, &blockHeader)

	blocks := make([][]byte, 0, blockCount)
	sizes := make([]uint32, 0, blockCount)
	for off := int64(0); off < int64(len(payload)); off += blockSize {
		end := off + blockSize
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}
		chunk := payload[off:end]

		compressed := enc.EncodeAll(chunk, nil)
		if len(compressed) < len(chunk) {
			blocks = append(blocks, compressed)
			sizes = append(sizes, uint32(len(compressed)))
		} else {
			blocks = append(blocks, chunk)
			sizes = append(sizes, uint32(len(chunk)))
		}
	}

	binary.Write(&buf, binary.LittleEndian, sizes)
	for _, b := range blocks {
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// decryptSections undoes the CTR encryption of every covered range, the
// counterpart of the re-encryption done after inflation.
func decryptSections(payload []byte, base uint64, sections []Section) error {
	start := base
	end := base + uint64(len(payload))

	for i := range sections {
		sec := &sections[i]
		if sec.CryptoType < 3 {
			continue
		}

		lo := max(start, sec.Offset)
		hi := min(end, sec.Offset+sec.Size)
		if lo >= hi {
			continue
		}

		slice := payload[lo-base : hi-base]
		if err := crypto.CTRCrypt(slice, sec.Key[:], sec.Counter[:], int64(lo)); err != nil {
			return err
		}
	}
	return nil
}
