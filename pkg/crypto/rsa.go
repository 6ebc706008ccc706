package crypto

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// VerifyPKCS1v15 verifies an RSA-2048 PKCS#1 v1.5 SHA-256 signature
// against a raw big-endian modulus with public exponent 0x10001.
func VerifyPKCS1v15(modulus, sig, data []byte) error {
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: 0x10001,
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}

// OAEPDecrypt performs RSA-2048-OAEP (SHA-256, empty label) with raw
// big-endian modulus and private exponent. The device key material is
// stored as bare d/n blobs, so the textbook decrypt + unpad is done
// here instead of going through rsa.PrivateKey.
func OAEPDecrypt(modulus, privateExponent, ciphertext []byte) ([]byte, error) {
	n := new(big.Int).SetBytes(modulus)
	d := new(big.Int).SetBytes(privateExponent)
	c := new(big.Int).SetBytes(ciphertext)

	if c.Cmp(n) >= 0 {
		return nil, fmt.Errorf("oaep: ciphertext out of range")
	}

	k := len(modulus)
	em := make([]byte, k)
	new(big.Int).Exp(c, d, n).FillBytes(em)

	return oaepUnpad(em)
}

func oaepUnpad(em []byte) ([]byte, error) {
	hashLen := sha256.Size
	if len(em) < 2*hashLen+2 || em[0] != 0 {
		return nil, fmt.Errorf("oaep: malformed padding")
	}

	seed := em[1 : 1+hashLen]
	db := em[1+hashLen:]

	mgf1XOR(seed, db)
	mgf1XOR(db, seed)

	labelHash := sha256.Sum256(nil)
	if subtle.ConstantTimeCompare(db[:hashLen], labelHash[:]) != 1 {
		return nil, fmt.Errorf("oaep: label hash mismatch")
	}

	rest := db[hashLen:]
	idx := bytes.IndexByte(rest, 0x01)
	if idx < 0 {
		return nil, fmt.Errorf("oaep: missing message separator")
	}
	for _, b := range rest[:idx] {
		if b != 0 {
			return nil, fmt.Errorf("oaep: malformed padding")
		}
	}
	return rest[idx+1:], nil
}

// mgf1XOR xors out with the MGF1-SHA256 mask generated from seed.
func mgf1XOR(out, seed []byte) {
	var counter [4]byte
	var done int
	for done < len(out) {
		h := sha256.New()
		h.Write(seed)
		h.Write(counter[:])
		mask := h.Sum(nil)
		for i := 0; i < len(mask) && done < len(out); i++ {
			out[done] ^= mask[i]
			done++
		}
		for i := 3; i >= 0; i-- {
			counter[i]++
			if counter[i] != 0 {
				break
			}
		}
	}
}
