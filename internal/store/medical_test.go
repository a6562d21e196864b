package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmt/backend/internal/crypto"
	"github.com/tmt/backend/internal/domain"
)

func TestSealSummary_RoundTrip(t *testing.T) {
	keys, err := crypto.NewKeyring("test-master-secret")
	require.NoError(t, err)

	sealed, err := sealSummary(keys, "type 1 diabetic, insulin dependent")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "diabetic")

	plain, err := openSummary(keys, sealed)
	require.NoError(t, err)
	assert.Equal(t, "type 1 diabetic, insulin dependent", plain)
}

func TestOpenSummary_RejectsPlaintextColumn(t *testing.T) {
	keys, err := crypto.NewKeyring("test-master-secret")
	require.NoError(t, err)

	_, err = openSummary(keys, "never encrypted!")
	assert.ErrorIs(t, err, domain.ErrCrypto)
}

func TestOpenSummary_WrongKey(t *testing.T) {
	sealer, err := crypto.NewKeyring("key-a")
	require.NoError(t, err)
	opener, err := crypto.NewKeyring("key-b")
	require.NoError(t, err)

	sealed, err := sealSummary(sealer, "allergy: penicillin")
	require.NoError(t, err)

	plain, err := openSummary(opener, sealed)
	if err == nil {
		// CBC padding can decode by chance; the plaintext never survives.
		assert.NotEqual(t, "allergy: penicillin", plain)
	}
}
