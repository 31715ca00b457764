// Package contextstore maintains per-session bounded conversation
// history with semantic recall and an entity knowledge graph.
package contextstore

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"

	"routegate/internal/domain"
)

// Embed computes a deterministic pseudo-embedding for text: each
// lowercased token is hashed and scattered into a fixed-dimension
// vector, which is then L2-normalized. Not a semantic model, but
// stable, cheap, and good enough for recall ranking: shared tokens
// produce cosine overlap.
func Embed(text string) []float32 {
	vec := make([]float32, domain.EmbeddingDim)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return vec
	}

	for _, word := range words {
		digest := sha256.Sum256([]byte(word))
		// Each 8-byte chunk contributes one weighted bucket.
		for i := 0; i+8 <= len(digest); i += 8 {
			v := binary.BigEndian.Uint64(digest[i : i+8])
			idx := int(v % uint64(domain.EmbeddingDim))
			sign := float32(1)
			if v&(1<<63) != 0 {
				sign = -1
			}
			vec[idx] += sign
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Cosine computes cosine similarity between two equal-length vectors.
// Zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
