// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package casememory

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// FingerprintDim is the fixed dimensionality of case fingerprints. Changing
// it invalidates every stored vector, so treat it as frozen.
const FingerprintDim = 128

// Fingerprint hashes a case's category and rationale into a normalized
// bag-of-words vector. Similar rationales ("repeated failed logins from
// one address") land near each other regardless of exact wording, which is
// all the similarity retrieval needs.
func Fingerprint(category, rationale string) []float32 {
	vec := make([]float32, FingerprintDim)

	for _, token := range tokenize(category + " " + rationale) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%FingerprintDim]++
	}

	return normalize(vec)
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// zero or the dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping
// single-character noise.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// normalize scales the vector to unit length.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
