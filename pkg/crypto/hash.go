package crypto

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
)

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// CMAC computes AES-CMAC (RFC 4493) of data under a 16-byte key.
func CMAC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	// Subkey generation: L = AES-128(K, 0^128), K1 = dbl(L), K2 = dbl(K1).
	var l [16]byte
	block.Encrypt(l[:], l[:])
	k1 := dbl(l)
	k2 := dbl(k1)

	n := (len(data) + 15) / 16
	lastComplete := n > 0 && len(data)%16 == 0
	if n == 0 {
		n = 1
	}

	var last [16]byte
	if lastComplete {
		xor16(last[:], data[(n-1)*16:], k1[:])
	} else {
		rem := data[(n-1)*16:]
		copy(last[:], rem)
		last[len(rem)] = 0x80
		xor16(last[:], last[:], k2[:])
	}

	var x [16]byte
	for i := 0; i < n-1; i++ {
		xor16(x[:], x[:], data[i*16:(i+1)*16])
		block.Encrypt(x[:], x[:])
	}
	xor16(x[:], x[:], last[:])
	block.Encrypt(x[:], x[:])

	return x[:], nil
}

func dbl(in [16]byte) [16]byte {
	var out [16]byte
	var carry byte
	for i := 15; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	if carry != 0 {
		out[15] ^= 0x87
	}
	return out
}

// MGF1MaxSize is the largest output MGF1 can produce with a one-byte
// iteration counter space.
const MGF1MaxSize = 0xFF * 0x20

// MGF1 is the SHA-256 mask generation function from PKCS#1: the seed is
// hashed with a big-endian 32-bit counter appended, iterating until size
// bytes are available.
func MGF1(seed []byte, size int) ([]byte, error) {
	if size < 0 || size > MGF1MaxSize {
		return nil, fmt.Errorf("MGF1 output size %d out of range", size)
	}

	out := make([]byte, 0, size+sha256.Size)
	var counter [4]byte
	for i := 0; len(out) < size; i++ {
		binary.BigEndian.PutUint32(counter[:], uint32(i))
		h := sha256.New()
		h.Write(seed)
		h.Write(counter[:])
		out = h.Sum(out)
	}
	return out[:size], nil
}

// ModExp computes base^exp mod mod over fixed-width big-endian byte strings.
// The result is left-padded with zeros to len(mod) bytes.
func ModExp(base, exp, mod []byte) []byte {
	b := new(big.Int).SetBytes(base)
	e := new(big.Int).SetBytes(exp)
	m := new(big.Int).SetBytes(mod)

	out := make([]byte, len(mod))
	if m.Sign() == 0 {
		return out
	}
	new(big.Int).Exp(b, e, m).FillBytes(out)
	return out
}
