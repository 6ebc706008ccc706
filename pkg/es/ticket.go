package es

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/falk/yati-go/pkg/crypto"
	"github.com/falk/yati-go/pkg/keys"
	"github.com/falk/yati-go/pkg/ncm"
)

// Title key types.
const (
	TitleKeyTypeCommon       = 0
	TitleKeyTypePersonalized = 1
)

// Signature types, the leading u32 of a ticket or certificate.
const (
	SigTypeRsa4096Sha1   = 0x10000
	SigTypeRsa2048Sha1   = 0x10001
	SigTypeEcc480Sha1    = 0x10002
	SigTypeRsa4096Sha256 = 0x10003
	SigTypeRsa2048Sha256 = 0x10004
	SigTypeEcc480Sha256  = 0x10005
	SigTypeHmac160Sha1   = 0x10006
)

var (
	ErrInvalidSignatureType = errors.New("es: unknown signature type")
	ErrInvalidFormatVersion = errors.New("es: ticket format version must be 2")
	ErrInvalidKeyType       = errors.New("es: ticket title key type out of range")
	ErrInvalidKeyRevision   = errors.New("es: ticket master key revision out of range")
	ErrInvalidBadRightsId   = errors.New("es: ticket rights id does not match nca")
	ErrDeviceIdMismatch     = errors.New("es: ticket device id does not match console")
	ErrMissingDeviceKey     = errors.New("es: no eticket device key for personalised ticket")
)

// TicketDataSize is the wire size of TicketData.
const TicketDataSize = 0x180

// TicketData is the signed payload of a ticket.
type TicketData struct {
	Issuer             [0x40]byte
	TitleKeyBlock      [0x100]byte
	FormatVersion      uint8
	TitleKeyType       uint8
	Version            uint16
	LicenseType        uint8
	MasterKeyRevision  uint8
	PropertiesBitfield uint16
	Reserved           [0x8]byte
	TicketId           uint64
	DeviceId           uint64
	RightsId           ncm.RightsId
	AccountId          uint32
	SectTotalSize      uint32
	SectHdrOffset      uint32
	SectHdrCount       uint16
	SectHdrEntrySize   uint16
}

// EticketRsaDeviceKey is the decrypted device key blob from cal0.
type EticketRsaDeviceKey struct {
	Ctr             [0x10]byte
	PrivateExponent [0x100]byte
	Modulus         [0x100]byte
	PublicExponent  uint32 // big endian in the blob
	Padding         [0x14]byte
	DeviceId        uint64
	Ghash           [0x10]byte
}

// ParseDeviceKey reads the decrypted device key blob out of the key set.
func ParseDeviceKey(k *keys.Keys) (*EticketRsaDeviceKey, error) {
	if !k.HasEticketDeviceKey {
		return nil, ErrMissingDeviceKey
	}
	var out EticketRsaDeviceKey
	r := bytes.NewReader(k.EticketDeviceKey[:])
	if err := binary.Read(r, binary.BigEndian, &out); err != nil {
		return nil, err
	}
	// everything but the exponent is raw bytes; re-read the device id
	// as the little-endian value the ticket is compared against.
	out.DeviceId = binary.LittleEndian.Uint64(k.EticketDeviceKey[0x10+0x100+0x100+4+0x14:])
	return &out, nil
}

// SignatureBlockSize maps a signature tag to its signature length.
func SignatureBlockSize(sigType uint32) (int, error) {
	switch sigType {
	case SigTypeRsa4096Sha1, SigTypeRsa4096Sha256:
		return 0x200, nil
	case SigTypeRsa2048Sha1, SigTypeRsa2048Sha256:
		return 0x100, nil
	case SigTypeEcc480Sha1, SigTypeEcc480Sha256:
		return 0x3C, nil
	case SigTypeHmac160Sha1:
		return 0x14, nil
	default:
		return 0, fmt.Errorf("%w: 0x%X", ErrInvalidSignatureType, sigType)
	}
}

// DataOffset returns where the ticket (or certificate) payload begins:
// the signature block length aligned up to 0x40.
func DataOffset(raw []byte) (int, error) {
	if len(raw) < 4 {
		return 0, ErrInvalidSignatureType
	}
	sigSize, err := SignatureBlockSize(binary.LittleEndian.Uint32(raw))
	if err != nil {
		return 0, err
	}
	return (sigSize + 4 + 0x3F) &^ 0x3F, nil
}

// ParseTicket extracts and validates the ticket data block.
func ParseTicket(raw []byte) (*TicketData, error) {
	off, err := DataOffset(raw)
	if err != nil {
		return nil, err
	}
	if len(raw) < off+TicketDataSize {
		return nil, fmt.Errorf("es: ticket truncated at %#x", len(raw))
	}

	var data TicketData
	if err := binary.Read(bytes.NewReader(raw[off:]), binary.LittleEndian, &data); err != nil {
		return nil, err
	}

	if data.FormatVersion != 0x2 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidFormatVersion, data.FormatVersion)
	}
	if data.TitleKeyType != TitleKeyTypeCommon && data.TitleKeyType != TitleKeyTypePersonalized {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeyType, data.TitleKeyType)
	}
	if data.MasterKeyRevision > 0x20 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeyRevision, data.MasterKeyRevision)
	}
	return &data, nil
}

// WriteTicketData serialises data back over the payload region of raw.
func WriteTicketData(raw []byte, data *TicketData) error {
	off, err := DataOffset(raw)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		return err
	}
	if len(raw) < off+buf.Len() {
		return fmt.Errorf("es: ticket truncated at %#x", len(raw))
	}
	copy(raw[off:], buf.Bytes())
	return nil
}

// FixBuggyTicket applies the scene-release correction: a common ticket
// with a zero master key revision but a generation byte in the rights
// id and a non-zero properties bitfield gets its revision re-derived
// from the rights id. Observed in dumps made by buggy tooling.
func FixBuggyTicket(data *TicketData) bool {
	if data.TitleKeyType != TitleKeyTypeCommon {
		return false
	}
	if data.MasterKeyRevision != 0 || data.PropertiesBitfield == 0 {
		return false
	}
	if gen := data.RightsId.KeyGeneration(); gen != 0 {
		data.MasterKeyRevision = gen
		data.PropertiesBitfield = 0
		return true
	}
	return false
}

// GetTitleKey extracts the title key from the ticket. Personalised
// tickets are unwrapped with RSA-2048-OAEP using the console's device
// key; the device id must match.
func GetTitleKey(data *TicketData, k *keys.Keys) (keys.KeyEntry, error) {
	var out keys.KeyEntry

	switch data.TitleKeyType {
	case TitleKeyTypeCommon:
		copy(out[:], data.TitleKeyBlock[:0x10])
		return out, nil

	case TitleKeyTypePersonalized:
		dev, err := ParseDeviceKey(k)
		if err != nil {
			return out, err
		}
		if data.DeviceId != byteswap64(dev.DeviceId) {
			return out, fmt.Errorf("%w: 0x%X vs 0x%X", ErrDeviceIdMismatch, data.DeviceId, byteswap64(dev.DeviceId))
		}

		plain, err := crypto.OAEPDecrypt(dev.Modulus[:], dev.PrivateExponent[:], data.TitleKeyBlock[:])
		if err != nil {
			return out, err
		}
		if len(plain) < len(out) {
			return out, fmt.Errorf("es: oaep plaintext too short: %d", len(plain))
		}
		copy(out[:], plain)
		return out, nil
	}

	return out, fmt.Errorf("%w: got %d", ErrInvalidKeyType, data.TitleKeyType)
}

// DecryptTitleKey decrypts a title key with the titlekek of the given
// generation.
func DecryptTitleKey(key *keys.KeyEntry, gen uint8, k *keys.Keys) error {
	kek, err := k.GetTitleKek(gen)
	if err != nil {
		return err
	}
	out, err := crypto.ECBDecrypt(key[:], kek[:])
	if err != nil {
		return err
	}
	copy(key[:], out)
	return nil
}

// EncryptTitleKey is the inverse of DecryptTitleKey.
func EncryptTitleKey(key *keys.KeyEntry, gen uint8, k *keys.Keys) error {
	kek, err := k.GetTitleKek(gen)
	if err != nil {
		return err
	}
	out, err := crypto.ECBEncrypt(key[:], kek[:])
	if err != nil {
		return err
	}
	copy(key[:], out)
	return nil
}

func byteswap64(v uint64) uint64 {
	return v<<56 | (v&0xFF00)<<40 | (v&0xFF0000)<<24 | (v&0xFF000000)<<8 |
		(v>>8)&0xFF000000 | (v>>24)&0xFF0000 | (v>>40)&0xFF00 | v>>56
}
