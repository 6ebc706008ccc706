package crypto

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestECBRoundTrip(t *testing.T) {
	key := randBytes(t, 16)
	plain := randBytes(t, 0x40)

	enc, err := ECBEncrypt(plain, key)
	require.NoError(t, err)
	require.NotEqual(t, plain, enc)

	dec, err := ECBDecrypt(enc, key)
	require.NoError(t, err)
	require.Equal(t, plain, dec)
}

func TestECBRejectsPartialBlock(t *testing.T) {
	_, err := ECBEncrypt(make([]byte, 17), make([]byte, 16))
	require.Error(t, err)
}

func TestXTSRoundTrip(t *testing.T) {
	key := randBytes(t, 32)
	plain := randBytes(t, 0xC00)

	enc := make([]byte, len(plain))
	require.NoError(t, XTSEncrypt(enc, plain, key, 0, 0x200))
	require.NotEqual(t, plain, enc)

	dec := make([]byte, len(plain))
	require.NoError(t, XTSDecrypt(dec, enc, key, 0, 0x200))
	require.Equal(t, plain, dec)
}

func TestXTSSectorsAreIndependent(t *testing.T) {
	key := randBytes(t, 32)
	plain := randBytes(t, 0x400)

	whole := make([]byte, len(plain))
	require.NoError(t, XTSEncrypt(whole, plain, key, 0, 0x200))

	// encrypting the second sector alone with its sector number must
	// match the bulk result.
	second := make([]byte, 0x200)
	require.NoError(t, XTSEncrypt(second, plain[0x200:], key, 1, 0x200))
	require.Equal(t, whole[0x200:], second)
}

func TestCTRStreamOffsetDerivation(t *testing.T) {
	key := randBytes(t, 16)
	iv := randBytes(t, 16)
	plain := randBytes(t, 0x100)

	// encrypt as one stream from offset 0, then decrypt the second
	// half with a stream derived at its offset.
	enc := make([]byte, len(plain))
	stream, err := NewCTRStream(key, iv, 0)
	require.NoError(t, err)
	stream.XORKeyStream(enc, plain)

	half := make([]byte, 0x80)
	copy(half, enc[0x80:])
	require.NoError(t, CTRCrypt(half, key, iv, 0x80))
	require.Equal(t, plain[0x80:], half)
}

func TestVerifyPKCS1v15(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	data := randBytes(t, 0xB00)
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, stdcrypto.SHA256, digest[:])
	require.NoError(t, err)

	modulus := priv.N.Bytes()
	require.NoError(t, VerifyPKCS1v15(modulus, sig, data))

	data[0] ^= 1
	require.Error(t, VerifyPKCS1v15(modulus, sig, data))
}

func TestOAEPDecrypt(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	secret := randBytes(t, 0x10)
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &priv.PublicKey, secret, nil)
	require.NoError(t, err)

	modulus := make([]byte, 0x100)
	priv.N.FillBytes(modulus)
	exponent := make([]byte, 0x100)
	priv.D.FillBytes(exponent)

	plain, err := OAEPDecrypt(modulus, exponent, ciphertext)
	require.NoError(t, err)
	require.True(t, bytes.Equal(secret, plain))

	ciphertext[0x80] ^= 1
	_, err = OAEPDecrypt(modulus, exponent, ciphertext)
	require.Error(t, err)
}
