// Package crypto implements the SMS envelope and at-rest encryption for
// patient payloads. Keys are derived per patient from a single configured
// master secret so a compromised device key exposes only one patient.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/tmt/backend/internal/domain"
)

// EnvelopePrefix marks an encrypted inbound SMS body. Anything not starting
// with this prefix is treated as plaintext details.
const EnvelopePrefix = "TMT:v1:"

const gcmNonceSize = 12

// Keyring derives per-patient keys from the master secret.
type Keyring struct {
	masterKey [32]byte
}

// NewKeyring hashes the configured secret string into 32 bytes of key
// material.
func NewKeyring(masterSecret string) (*Keyring, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("encryption master key is empty")
	}
	return &Keyring{masterKey: sha256.Sum256([]byte(masterSecret))}, nil
}

// PatientKey derives the 16-byte AES-128 SMS key for a patient:
// HKDF-SHA256(master, salt=empty, info=patient id bytes).
func (k *Keyring) PatientKey(patientID string) ([]byte, error) {
	r := hkdf.New(sha256.New, k.masterKey[:], nil, []byte(patientID))
	key := make([]byte, 16)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

// IsEnvelope reports whether an SMS body carries the encrypted envelope.
func IsEnvelope(body string) bool {
	return strings.HasPrefix(body, EnvelopePrefix)
}

// EncryptSMS seals plaintext into the wire envelope:
// TMT:v1: || base64(nonce(12) || AES-128-GCM ciphertext).
func (k *Keyring) EncryptSMS(patientID string, plaintext []byte) (string, error) {
	key, err := k.PatientKey(patientID)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return EnvelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptSMS opens a wire envelope for the given patient. Any malformed or
// unauthenticated input maps to domain.ErrCrypto; callers log the message
// but synthesize no SOS from it.
func (k *Keyring) DecryptSMS(patientID, body string) ([]byte, error) {
	if !IsEnvelope(body) {
		return nil, fmt.Errorf("%w: missing envelope prefix", domain.ErrCrypto)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(body, EnvelopePrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64", domain.ErrCrypto)
	}
	if len(raw) < gcmNonceSize+1 {
		return nil, fmt.Errorf("%w: envelope too short", domain.ErrCrypto)
	}

	key, err := k.PatientKey(patientID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, raw[:gcmNonceSize], raw[gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm open", domain.ErrCrypto)
	}
	return plaintext, nil
}
