package es

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/falk/yati-go/pkg/crypto"
	"github.com/falk/yati-go/pkg/keys"
	"github.com/falk/yati-go/pkg/ncm"
)

func buildTicket(t *testing.T, sigType uint32, data *TicketData) []byte {
	t.Helper()

	sigSize, err := SignatureBlockSize(sigType)
	require.NoError(t, err)
	blockSize := (sigSize + 4 + 0x3F) &^ 0x3F

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, sigType)
	buf.Write(make([]byte, blockSize-4))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, data))
	return buf.Bytes()
}

func commonTicketData(rightsId ncm.RightsId, titleKey keys.KeyEntry) *TicketData {
	data := &TicketData{
		FormatVersion:     2,
		TitleKeyType:      TitleKeyTypeCommon,
		MasterKeyRevision: rightsId.KeyGeneration(),
		RightsId:          rightsId,
	}
	copy(data.TitleKeyBlock[:], titleKey[:])
	return data
}

func TestDataOffsetPerSignatureType(t *testing.T) {
	cases := map[uint32]int{
		SigTypeRsa4096Sha1:   0x240,
		SigTypeRsa2048Sha1:   0x140,
		SigTypeEcc480Sha1:    0x40,
		SigTypeRsa4096Sha256: 0x240,
		SigTypeRsa2048Sha256: 0x140,
		SigTypeEcc480Sha256:  0x40,
		SigTypeHmac160Sha1:   0x40,
	}
	for sigType, want := range cases {
		raw := make([]byte, 4)
		binary.LittleEndian.PutUint32(raw, sigType)
		got, err := DataOffset(raw)
		require.NoError(t, err)
		require.Equal(t, want, got, "sig type 0x%X", sigType)
	}

	binaryRaw := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, err := DataOffset(binaryRaw)
	require.ErrorIs(t, err, ErrInvalidSignatureType)
}

func TestParseTicketRoundTrip(t *testing.T) {
	var rightsId ncm.RightsId
	rightsId[0xF] = 5
	var titleKey keys.KeyEntry
	titleKey[0] = 0xAB

	for _, sigType := range []uint32{SigTypeRsa2048Sha256, SigTypeRsa4096Sha1, SigTypeHmac160Sha1} {
		raw := buildTicket(t, sigType, commonTicketData(rightsId, titleKey))
		data, err := ParseTicket(raw)
		require.NoError(t, err)
		require.Equal(t, rightsId, data.RightsId)
		require.Equal(t, uint8(5), data.MasterKeyRevision)
	}
}

func TestParseTicketValidation(t *testing.T) {
	var rightsId ncm.RightsId
	var titleKey keys.KeyEntry

	bad := commonTicketData(rightsId, titleKey)
	bad.FormatVersion = 1
	_, err := ParseTicket(buildTicket(t, SigTypeRsa2048Sha256, bad))
	require.ErrorIs(t, err, ErrInvalidFormatVersion)

	bad = commonTicketData(rightsId, titleKey)
	bad.TitleKeyType = 3
	_, err = ParseTicket(buildTicket(t, SigTypeRsa2048Sha256, bad))
	require.ErrorIs(t, err, ErrInvalidKeyType)

	bad = commonTicketData(rightsId, titleKey)
	bad.MasterKeyRevision = 0x21
	_, err = ParseTicket(buildTicket(t, SigTypeRsa2048Sha256, bad))
	require.ErrorIs(t, err, ErrInvalidKeyRevision)
}

func TestGetTitleKeyCommon(t *testing.T) {
	var rightsId ncm.RightsId
	var titleKey keys.KeyEntry
	_, err := rand.Read(titleKey[:])
	require.NoError(t, err)

	data := commonTicketData(rightsId, titleKey)
	got, err := GetTitleKey(data, &keys.Keys{})
	require.NoError(t, err)
	require.Equal(t, titleKey, got)
}

// deviceKeys fabricates a decrypted eticket device key backed by a real
// RSA key, so OAEP unwrapping can be exercised end to end.
func deviceKeys(t *testing.T, deviceId uint64) (*keys.Keys, *rsa.PrivateKey) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	k := &keys.Keys{HasEticketDeviceKey: true}
	priv.D.FillBytes(k.EticketDeviceKey[0x10 : 0x10+0x100])
	priv.N.FillBytes(k.EticketDeviceKey[0x110 : 0x110+0x100])
	binary.BigEndian.PutUint32(k.EticketDeviceKey[0x210:], 0x10001)
	binary.LittleEndian.PutUint64(k.EticketDeviceKey[0x228:], deviceId)
	return k, priv
}

func TestGetTitleKeyPersonalized(t *testing.T) {
	const rawDeviceId = 0x1122334455667788
	k, priv := deviceKeys(t, rawDeviceId)

	var titleKey keys.KeyEntry
	_, err := rand.Read(titleKey[:])
	require.NoError(t, err)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &priv.PublicKey, titleKey[:], nil)
	require.NoError(t, err)

	data := &TicketData{
		FormatVersion: 2,
		TitleKeyType:  TitleKeyTypePersonalized,
		DeviceId:      0x8877665544332211, // byteswapped raw id
	}
	copy(data.TitleKeyBlock[:], wrapped)

	got, err := GetTitleKey(data, k)
	require.NoError(t, err)
	require.Equal(t, titleKey, got)
}

func TestGetTitleKeyPersonalizedDeviceMismatch(t *testing.T) {
	k, _ := deviceKeys(t, 0x1122334455667788)

	data := &TicketData{
		FormatVersion: 2,
		TitleKeyType:  TitleKeyTypePersonalized,
		DeviceId:      0xDEAD,
	}
	_, err := GetTitleKey(data, k)
	require.ErrorIs(t, err, ErrDeviceIdMismatch)
}

func TestDecryptTitleKeyRoundTrip(t *testing.T) {
	k := &keys.Keys{}
	_, err := rand.Read(k.Titlekek[4][:])
	require.NoError(t, err)

	var titleKey, want keys.KeyEntry
	_, err = rand.Read(want[:])
	require.NoError(t, err)
	titleKey = want

	require.NoError(t, EncryptTitleKey(&titleKey, 5, k))
	require.NotEqual(t, want, titleKey)
	require.NoError(t, DecryptTitleKey(&titleKey, 5, k))
	require.Equal(t, want, titleKey)
}

func TestFixBuggyTicket(t *testing.T) {
	var rightsId ncm.RightsId
	rightsId[0xF] = 0x0B

	data := &TicketData{
		TitleKeyType:       TitleKeyTypeCommon,
		MasterKeyRevision:  0,
		PropertiesBitfield: 0x0B,
		RightsId:           rightsId,
	}
	require.True(t, FixBuggyTicket(data))
	require.Equal(t, uint8(0x0B), data.MasterKeyRevision)
	require.Zero(t, data.PropertiesBitfield)

	// a clean ticket stays untouched.
	clean := &TicketData{TitleKeyType: TitleKeyTypeCommon, MasterKeyRevision: 0x0B, RightsId: rightsId}
	require.False(t, FixBuggyTicket(clean))
}

func TestPatchTicketConvertsPersonalised(t *testing.T) {
	const rawDeviceId = 0xAABBCCDD00112233
	k, priv := deviceKeys(t, rawDeviceId)

	var titleKey keys.KeyEntry
	_, err := rand.Read(titleKey[:])
	require.NoError(t, err)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &priv.PublicKey, titleKey[:], nil)
	require.NoError(t, err)

	var rightsId ncm.RightsId
	rightsId[0xF] = 4
	data := &TicketData{
		FormatVersion:     2,
		TitleKeyType:      TitleKeyTypePersonalized,
		MasterKeyRevision: 4,
		RightsId:          rightsId,
		DeviceId:          byteswap64(rawDeviceId),
	}
	copy(data.TitleKeyBlock[:], wrapped)

	patched, err := PatchTicket(buildTicket(t, SigTypeRsa2048Sha256, data), k, true)
	require.NoError(t, err)

	out, err := ParseTicket(patched)
	require.NoError(t, err)
	require.Equal(t, uint8(TitleKeyTypeCommon), out.TitleKeyType)
	require.Equal(t, rightsId, out.RightsId)
	require.Equal(t, titleKey[:], out.TitleKeyBlock[:0x10])
	require.Zero(t, out.DeviceId)
}

func TestMemoryTicketService(t *testing.T) {
	var rightsId ncm.RightsId
	rightsId[0] = 1
	var titleKey keys.KeyEntry

	svc := NewMemoryTicketService()
	raw := buildTicket(t, SigTypeRsa2048Sha256, commonTicketData(rightsId, titleKey))
	require.NoError(t, svc.ImportTicket(raw, []byte("cert")))
	require.True(t, svc.Has(rightsId))
	require.False(t, svc.Has(ncm.RightsId{}))
}

func TestTitleKeyEcbConsistency(t *testing.T) {
	// ECB-encrypting one block and decrypting it again through the crypto
	// helpers used by the installer must give back the original key.
	key := make([]byte, 16)
	kek := make([]byte, 16)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(kek)
	require.NoError(t, err)

	enc, err := crypto.ECBEncrypt(key, kek)
	require.NoError(t, err)
	dec, err := crypto.ECBDecrypt(enc, kek)
	require.NoError(t, err)
	require.Equal(t, key, dec)
}
