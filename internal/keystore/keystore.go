// Package keystore encrypts wallet private keys at rest.
//
// Ciphertexts are "ivHex:cipherHex": AES-256-CBC with PKCS#7 padding and a
// random 16-byte IV, keyed by scrypt over the configured secret.
package keystore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	stdErrors "errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptSalt = "salt"
	scryptN    = 16384
	scryptR    = 8
	scryptP    = 1
	keyLen     = 32
)

var (
	// ErrSecretRequired is returned when the encryption secret is empty.
	ErrSecretRequired = stdErrors.New("keystore: encryption secret is required")
	// ErrMalformed is returned for ciphertexts that are not ivHex:cipherHex.
	ErrMalformed = stdErrors.New("keystore: malformed ciphertext")
)

// Cipher encrypts and decrypts key material. It is safe for concurrent use.
type Cipher struct {
	block cipher.Block
	rand  io.Reader
}

// New derives the AES key from secret.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	key, err := scrypt.Key([]byte(secret), []byte(scryptSalt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("keystore: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	return &Cipher{block: block, rand: rand.Reader}, nil
}

// Encrypt returns ivHex:cipherHex for plaintext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("keystore: read iv: %w", err)
	}
	padded := pad([]byte(plaintext))
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	ivHex, bodyHex, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return "", ErrMalformed
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrMalformed
	}
	body, err := hex.DecodeString(bodyHex)
	if err != nil || len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return "", ErrMalformed
	}
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, body)
	plain, err := unpad(out)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
		}
	}
	return b[:len(b)-n], nil
}
