package keys

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Errors surfaced when a needed key is absent or unusable.
var (
	ErrKeyMissingNcaKeyArea             = errors.New("key area key not present for generation")
	ErrKeyMissingTitleKek               = errors.New("titlekek not present for generation")
	ErrKeyMissingMasterKey              = errors.New("master key not present for generation")
	ErrKeyMissingHeaderKey              = errors.New("header key not present")
	ErrKeyMissingFixedKeyModulus        = errors.New("nca fixed key modulus not present")
	ErrKeyFailedDecryptETicketDeviceKey = errors.New("failed to decrypt eticket device key")
)

const (
	// GenerationLimit bounds key generations recognised in key files.
	GenerationLimit = 0x20

	// DeviceKeySize is the size of the SetCalRsa2048DeviceKey blob.
	DeviceKeySize = 0x240
)

// Key-area encryption key indexes.
const (
	KeyAreaIndexApplication = 0
	KeyAreaIndexOcean       = 1
	KeyAreaIndexSystem      = 2
)

// KeyEntry is a single AES-128 key. The zero value means "not loaded".
type KeyEntry [0x10]byte

func (k KeyEntry) IsValid() bool {
	return k != KeyEntry{}
}

// KeySection holds one key per generation.
type KeySection [GenerationLimit]KeyEntry

// Keys is the full key material consumed by the installer. HeaderKey is
// either derived through a KeyOracle or supplied by the key file; the
// rest only ever comes from the key file.
type Keys struct {
	HeaderKey  [0x20]byte
	KeyAreaKey [3]KeySection
	Titlekek   KeySection
	MasterKey  KeySection

	EticketRsaKek KeyEntry
	// Raw SetCalRsa2048DeviceKey blob; decrypted in place by
	// DecryptEticketDeviceKey.
	EticketDeviceKey    [DeviceKeySize]byte
	HasEticketDeviceKey bool

	// RSA-2048 moduli for the NCA header fixed-key signature, indexed
	// by sig_key_gen.
	FixedKeyModulus    [2][0x100]byte
	HasFixedKeyModulus [2]bool
}

// KeyOracle derives the header key from the fixed key-area-encryption
// key source. On device this is backed by the spl service.
type KeyOracle interface {
	DeriveHeaderKey() ([0x20]byte, error)
}

// ResolveHeaderKey fills in the header key from the oracle when the key
// file did not supply one. A nil oracle is allowed; the key must then
// already be present.
func ResolveHeaderKey(k *Keys, oracle KeyOracle) error {
	if k.HasHeaderKey() {
		return nil
	}
	if oracle == nil {
		return ErrKeyMissingHeaderKey
	}
	key, err := oracle.DeriveHeaderKey()
	if err != nil {
		return err
	}
	k.HeaderKey = key
	return nil
}

// FixGen converts a stored key generation byte into a section index.
func FixGen(gen uint8) uint8 {
	if gen > 0 {
		return gen - 1
	}
	return gen
}

func (k *Keys) HasHeaderKey() bool {
	return k.HeaderKey != [0x20]byte{}
}

func (k *Keys) HasNcaKeyArea(gen, index uint8) bool {
	return k.KeyAreaKey[index][FixGen(gen)].IsValid()
}

func (k *Keys) GetNcaKeyArea(gen, index uint8) (KeyEntry, error) {
	if !k.HasNcaKeyArea(gen, index) {
		return KeyEntry{}, fmt.Errorf("%w: gen %02x index %d", ErrKeyMissingNcaKeyArea, gen, index)
	}
	return k.KeyAreaKey[index][FixGen(gen)], nil
}

func (k *Keys) GetTitleKek(gen uint8) (KeyEntry, error) {
	if !k.Titlekek[FixGen(gen)].IsValid() {
		return KeyEntry{}, fmt.Errorf("%w: gen %02x", ErrKeyMissingTitleKek, gen)
	}
	return k.Titlekek[FixGen(gen)], nil
}

func (k *Keys) GetMasterKey(gen uint8) (KeyEntry, error) {
	if !k.MasterKey[FixGen(gen)].IsValid() {
		return KeyEntry{}, fmt.Errorf("%w: gen %02x", ErrKeyMissingMasterKey, gen)
	}
	return k.MasterKey[FixGen(gen)], nil
}

// ParseHexKey fills dst from the leading 2*len(dst) lowercase hex chars
// of s. Filenames like "<32 hex>.nca" parse their id prefix this way.
func ParseHexKey(dst []byte, s string) error {
	want := len(dst) * 2
	if len(s) < want {
		return fmt.Errorf("hex key too short: %d < %d", len(s), want)
	}
	_, err := hex.Decode(dst, []byte(s[:want]))
	return err
}

// Load reads keys from a prod.keys style file.
// Format expected: key_name = HEXVALUE
func Load(k *Keys, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return LoadReader(k, f)
}

// LoadReader parses key lines from r into k. Unknown names are ignored.
func LoadReader(k *Keys, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		name := strings.TrimSpace(parts[0])
		val, err := hex.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}

		k.apply(name, val)
	}
	return scanner.Err()
}

func (k *Keys) apply(name string, val []byte) {
	section := func(prefix string, dst *KeySection) bool {
		if !strings.HasPrefix(name, prefix) || len(val) != 0x10 {
			return false
		}
		gen, err := strconv.ParseUint(name[len(prefix):], 16, 8)
		if err != nil || gen >= GenerationLimit {
			return false
		}
		copy(dst[gen][:], val)
		return true
	}

	switch {
	case section("key_area_key_application_", &k.KeyAreaKey[KeyAreaIndexApplication]):
	case section("key_area_key_ocean_", &k.KeyAreaKey[KeyAreaIndexOcean]):
	case section("key_area_key_system_", &k.KeyAreaKey[KeyAreaIndexSystem]):
	case section("titlekek_", &k.Titlekek):
	case section("master_key_", &k.MasterKey):
	case name == "header_key" && len(val) == 0x20:
		copy(k.HeaderKey[:], val)
	case (name == "eticket_rsa_kek" || name == "eticket_rsa_kek_personalized") && len(val) == 0x10:
		copy(k.EticketRsaKek[:], val)
	case name == "eticket_rsa_keypair" && len(val) == DeviceKeySize:
		copy(k.EticketDeviceKey[:], val)
		k.HasEticketDeviceKey = true
	case name == "nca_hdr_fixed_key_modulus_00" && len(val) == 0x100:
		copy(k.FixedKeyModulus[0][:], val)
		k.HasFixedKeyModulus[0] = true
	case name == "nca_hdr_fixed_key_modulus_01" && len(val) == 0x100:
		copy(k.FixedKeyModulus[1][:], val)
		k.HasFixedKeyModulus[1] = true
	}
}

// DecryptEticketDeviceKey AES-CTR decrypts the device key blob with the
// eticket RSA kek. The blob's leading 16 bytes are the counter; the
// embedded big-endian public exponent must come out as 0x10001.
func (k *Keys) DecryptEticketDeviceKey() error {
	if !k.HasEticketDeviceKey || !k.EticketRsaKek.IsValid() {
		return nil
	}

	ctr := k.EticketDeviceKey[:0x10]
	body := k.EticketDeviceKey[0x10:]

	block, err := aes.NewCipher(k.EticketRsaKek[:])
	if err != nil {
		return err
	}
	cipher.NewCTR(block, ctr).XORKeyStream(body, body)

	// ctr[16] + private_exponent[0x100] + modulus[0x100], then the
	// public exponent.
	exp := binary.BigEndian.Uint32(k.EticketDeviceKey[0x10+0x100+0x100:])
	if exp != 0x10001 {
		k.HasEticketDeviceKey = false
		return fmt.Errorf("%w: public exponent 0x%X", ErrKeyFailedDecryptETicketDeviceKey, exp)
	}
	return nil
}

// LoadDefault tries to load keys from standard locations.
func LoadDefault(k *Keys) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	paths := []string{
		"prod.keys",
		"keys.txt",
		filepath.Join(home, ".switch", "prod.keys"),
		filepath.Join(home, ".switch", "keys.txt"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return Load(k, p)
		}
	}
	return fmt.Errorf("no keys file found")
}
