package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmt/backend/internal/domain"
)

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	k, err := NewKeyring("unit-test-master-secret")
	require.NoError(t, err)
	return k
}

func TestNewKeyring_EmptySecret(t *testing.T) {
	_, err := NewKeyring("")
	assert.Error(t, err)
}

func TestPatientKey_DeterministicPerPatient(t *testing.T) {
	k := newTestKeyring(t)

	k1a, err := k.PatientKey("patient-1")
	require.NoError(t, err)
	k1b, err := k.PatientKey("patient-1")
	require.NoError(t, err)
	k2, err := k.PatientKey("patient-2")
	require.NoError(t, err)

	assert.Len(t, k1a, 16)
	assert.Equal(t, k1a, k1b, "derivation must be deterministic")
	assert.NotEqual(t, k1a, k2, "different patients get different keys")
}

func TestSMSEnvelope_RoundTrip(t *testing.T) {
	k := newTestKeyring(t)
	plaintext := []byte(`{"latitude":31.5,"longitude":34.4,"severity":4,"details":"trapped under rubble"}`)

	body, err := k.EncryptSMS("patient-1", plaintext)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(body, EnvelopePrefix))
	assert.True(t, IsEnvelope(body))

	got, err := k.DecryptSMS("patient-1", body)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptSMS_WrongPatient(t *testing.T) {
	k := newTestKeyring(t)

	body, err := k.EncryptSMS("patient-1", []byte("help"))
	require.NoError(t, err)

	_, err = k.DecryptSMS("patient-2", body)
	assert.ErrorIs(t, err, domain.ErrCrypto)
}

func TestDecryptSMS_Malformed(t *testing.T) {
	k := newTestKeyring(t)

	for name, body := range map[string]string{
		"no prefix":   "hello there",
		"bad base64":  EnvelopePrefix + "!!!not-base64!!!",
		"too short":   EnvelopePrefix + "QUJD",
		"tampered ct": EnvelopePrefix + "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := k.DecryptSMS("patient-1", body)
			assert.ErrorIs(t, err, domain.ErrCrypto)
		})
	}
}

func TestAtRest_RoundTrip(t *testing.T) {
	k := newTestKeyring(t)
	payload := []byte("chronic: diabetes; allergies: penicillin")

	ct, err := k.EncryptAtRest(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(ct), "diabetes")

	pt, err := k.DecryptAtRest(ct)
	require.NoError(t, err)
	assert.Equal(t, payload, pt)

	// Fresh IV every call.
	ct2, err := k.EncryptAtRest(payload)
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2)
}

func TestAtRest_BadInput(t *testing.T) {
	k := newTestKeyring(t)

	_, err := k.DecryptAtRest([]byte("short"))
	assert.ErrorIs(t, err, domain.ErrCrypto)
}

func TestCarrierSignature(t *testing.T) {
	params := map[string]string{
		"Body":       "TMT:v1:abc",
		"From":       "+970590000000",
		"MessageSid": "SM123",
	}
	sig := CarrierSignature("tok", "https://api.example.org/api/v1/sms/inbound", params)

	assert.True(t, VerifyCarrierSignature("tok", "https://api.example.org/api/v1/sms/inbound", params, sig))
	assert.False(t, VerifyCarrierSignature("other", "https://api.example.org/api/v1/sms/inbound", params, sig))
	params["Body"] = "changed"
	assert.False(t, VerifyCarrierSignature("tok", "https://api.example.org/api/v1/sms/inbound", params, sig))
}
