package lan

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" //nolint:gosec // key derivation is fixed by the device firmware
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// deriveKey turns a device key into the AES-128 key the firmware expects.
func deriveKey(deviceKey string) []byte {
	sum := md5.Sum([]byte(deviceKey)) //nolint:gosec // see import
	return sum[:]
}

// Encrypt seals plaintext with AES-128-CBC under MD5(deviceKey) using a
// random IV. Both results are base64 encoded.
func Encrypt(deviceKey string, plaintext []byte) (iv, data string, err error) {
	return encryptWithIV(deviceKey, plaintext, rand.Reader)
}

func encryptWithIV(deviceKey string, plaintext []byte, random io.Reader) (string, string, error) {
	if deviceKey == "" {
		return "", "", ErrMissingKey
	}
	block, err := aes.NewCipher(deriveKey(deviceKey))
	if err != nil {
		return "", "", fmt.Errorf("creating cipher: %w", err)
	}

	ivBytes := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(random, ivBytes); err != nil {
		return "", "", fmt.Errorf("generating iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, ivBytes).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(ivBytes), base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func Decrypt(deviceKey, iv, data string) ([]byte, error) {
	if deviceKey == "" {
		return nil, ErrMissingKey
	}
	ivBytes, err := base64.StdEncoding.DecodeString(iv)
	if err != nil || len(ivBytes) != aes.BlockSize {
		return nil, fmt.Errorf("%w: bad iv", ErrDecrypt)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64 data", ErrDecrypt)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: data is not a whole number of blocks", ErrDecrypt)
	}

	block, err := aes.NewCipher(deriveKey(deviceKey))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, ivBytes).CryptBlocks(plain, ciphertext)

	return pkcs7Unpad(plain, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return b[:len(b)-n], nil
}
