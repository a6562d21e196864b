package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/tmt/backend/internal/domain"
)

// EncryptAtRest seals a medical payload with AES-256-CBC. The random 16-byte
// IV is prepended to the ciphertext; plaintext is PKCS7-padded.
func (k *Keyring) EncryptAtRest(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.masterKey[:])
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// DecryptAtRest opens an AES-256-CBC payload produced by EncryptAtRest.
func (k *Keyring) DecryptAtRest(data []byte) ([]byte, error) {
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext length", domain.ErrCrypto)
	}

	block, err := aes.NewCipher(k.masterKey[:])
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(data)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, data[:aes.BlockSize]).CryptBlocks(plaintext, data[aes.BlockSize:])

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", domain.ErrCrypto)
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("%w: bad padding", domain.ErrCrypto)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("%w: bad padding", domain.ErrCrypto)
		}
	}
	return data[:len(data)-pad], nil
}
