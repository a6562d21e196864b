package vector

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

// EmbeddingDim is the fixed width of locally computed embeddings.
const EmbeddingDim = 384

// Embed maps text to a deterministic unit vector by hashing tokens into
// buckets. Not a semantic model; it gives stable, cheap similarity for
// near-duplicate detection when no embedding service is deployed.
func Embed(text string) []float32 {
	vec := make([]float32, EmbeddingDim)
	for _, token := range tokenize(text) {
		sum := sha256.Sum256([]byte(token))
		bucket := binary.BigEndian.Uint32(sum[:4]) % EmbeddingDim
		sign := float32(1)
		if sum[4]&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
