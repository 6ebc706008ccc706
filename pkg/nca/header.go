package nca

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/falk/yati-go/pkg/crypto"
	"github.com/falk/yati-go/pkg/keys"
	"github.com/falk/yati-go/pkg/ncm"
)

const (
	// HeaderSize is the XTS-encrypted header structure.
	HeaderSize = 0xC00
	// FullHeaderSize is the uncompressable header region of an NCA.
	FullHeaderSize = 0x4000
	// SectorSize is the XTS sector unit.
	SectorSize = 0x200
	// MediaSize converts fs-table media units into byte offsets.
	MediaSize = 0x200

	MagicNCA3 = 0x3341434E
)

// Distribution types.
const (
	DistributionSystem   = 0
	DistributionGameCard = 1
)

// Content types as stored in the header.
const (
	ContentTypeProgram    = 0
	ContentTypeMeta       = 1
	ContentTypeControl    = 2
	ContentTypeManual     = 3
	ContentTypeData       = 4
	ContentTypePublicData = 5
)

// Section encryption types.
const (
	EncryptionAuto     = 0
	EncryptionNone     = 1
	EncryptionAesXts   = 2
	EncryptionAesCtr   = 3
	EncryptionAesCtrEx = 4
)

var (
	ErrInvalidMagic      = errors.New("nca: invalid magic")
	ErrInvalidSigKeyGen  = errors.New("nca: invalid signature key generation")
	ErrInvalidSignature0 = errors.New("nca: fixed-key signature verify failed")
	ErrInvalidSha256     = errors.New("nca: sha256 does not match content id")
)

// SectionTableEntry locates one section in media units.
type SectionTableEntry struct {
	MediaStartOffset uint32
	MediaEndOffset   uint32
	Unknown          [8]byte
}

// FsHeader is one of the four per-section filesystem headers.
type FsHeader struct {
	Version              uint16
	FsType               uint8
	HashType             uint8
	EncryptionType       uint8
	MetaDataHashType     uint8
	Reserved0            [2]byte
	HashData             [0xF8]byte
	PatchInfo            [0x40]byte
	SectionCtr           uint64
	SparseInfo           [0x30]byte
	CompressionInfo      [0x28]byte
	MetaDataHashDataInfo [0x30]byte
	Reserved1            [0x30]byte
}

// Header is the decrypted 0xC00-byte NCA header.
type Header struct {
	RsaFixedKey      [0x100]byte
	RsaNpdm          [0x100]byte
	Magic            uint32
	DistributionType uint8
	ContentType      uint8
	OldKeyGen        uint8
	KaekIndex        uint8
	Size             int64
	ProgramId        uint64
	ContentIndex     uint32
	SdkVersion       uint32
	KeyGen           uint8
	SigKeyGen        uint8
	Reserved0        [0xE]byte
	RightsId         ncm.RightsId
	FsTable          [4]SectionTableEntry
	FsHeaderHash     [4][0x20]byte
	KeyArea          [4][0x10]byte
	Reserved1        [0xC0]byte
	FsHeader         [4]FsHeader
}

// Generation is the effective key generation of the NCA.
func (h *Header) Generation() uint8 {
	if h.OldKeyGen < h.KeyGen {
		return h.KeyGen
	}
	return h.OldKeyGen
}

// SetKeyGeneration rewrites the split generation fields.
func (h *Header) SetKeyGeneration(gen uint8) {
	if gen <= 0x2 {
		h.OldKeyGen = gen
		h.KeyGen = 0
	} else {
		h.OldKeyGen = 0x2
		h.KeyGen = gen
	}
}

// Marshal serialises the decrypted header.
func (h *Header) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) != HeaderSize {
		return nil, fmt.Errorf("nca: header serialised to %#x bytes", len(out))
	}
	return out, nil
}

// DecryptHeader decrypts raw (exactly 0xC00 bytes) with the header key
// and parses it. The magic must read NCA3.
func DecryptHeader(raw []byte, headerKey []byte) (*Header, error) {
	if len(raw) != HeaderSize {
		return nil, fmt.Errorf("nca: header must be %#x bytes, got %#x", HeaderSize, len(raw))
	}

	dec := make([]byte, HeaderSize)
	if err := crypto.XTSDecrypt(dec, raw, headerKey, 0, SectorSize); err != nil {
		return nil, err
	}

	var h Header
	if err := binary.Read(bytes.NewReader(dec), binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	if h.Magic != MagicNCA3 {
		return nil, ErrInvalidMagic
	}
	return &h, nil
}

// Encrypt serialises and XTS-encrypts the header; the inverse of
// DecryptHeader. Only needed once a header has been modified.
func (h *Header) Encrypt(headerKey []byte) ([]byte, error) {
	dec, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	enc := make([]byte, HeaderSize)
	if err := crypto.XTSEncrypt(enc, dec, headerKey, 0, SectorSize); err != nil {
		return nil, err
	}
	return enc, nil
}

// VerifyFixedKey checks the leading RSA-2048 signature over the rest of
// the decrypted header using the fixed public key for sig_key_gen.
func (h *Header) VerifyFixedKey(k *keys.Keys) error {
	if int(h.SigKeyGen) >= len(k.FixedKeyModulus) {
		return fmt.Errorf("%w: %d", ErrInvalidSigKeyGen, h.SigKeyGen)
	}
	if !k.HasFixedKeyModulus[h.SigKeyGen] {
		return keys.ErrKeyMissingFixedKeyModulus
	}

	raw, err := h.Marshal()
	if err != nil {
		return err
	}
	if err := crypto.VerifyPKCS1v15(k.FixedKeyModulus[h.SigKeyGen][:], raw[:0x100], raw[0x100:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature0, err)
	}
	return nil
}

// DecryptKeyArea decrypts the four key-area entries in place with the
// KAEK selected by (kaek_index, generation).
func DecryptKeyArea(k *keys.Keys, h *Header) error {
	kaek, err := k.GetNcaKeyArea(h.Generation(), h.KaekIndex)
	if err != nil {
		return err
	}
	return cryptKeyArea(h, kaek, false)
}

// EncryptKeyArea re-encrypts the key area with the KAEK of the given
// generation.
func EncryptKeyArea(k *keys.Keys, h *Header, gen uint8) error {
	kaek, err := k.GetNcaKeyArea(gen, h.KaekIndex)
	if err != nil {
		return err
	}
	return cryptKeyArea(h, kaek, true)
}

func cryptKeyArea(h *Header, kaek keys.KeyEntry, encrypt bool) error {
	for i := range h.KeyArea {
		var (
			out []byte
			err error
		)
		if encrypt {
			out, err = crypto.ECBEncrypt(h.KeyArea[i][:], kaek[:])
		} else {
			out, err = crypto.ECBDecrypt(h.KeyArea[i][:], kaek[:])
		}
		if err != nil {
			return err
		}
		copy(h.KeyArea[i][:], out)
	}
	return nil
}
