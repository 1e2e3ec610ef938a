package extract

import (
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"
)

// Fingerprint computes a 64-bit SimHash over the extracted text so
// callers can cheaply detect near-duplicate scrapes of the same page.
// Tokens are case-folded words hashed with FNV-64a; each token votes
// per bit position and the sign of the vote decides the output bit.
// Similar texts therefore land within a small Hamming distance of each
// other, while Distance between unrelated texts hovers around 32.
func Fingerprint(text string) uint64 {
	var votes [64]int
	tokens := 0
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}) {
		tokens++
		h := fnv.New64a()
		h.Write([]byte(strings.ToLower(word)))
		sum := h.Sum64()
		for i := 0; i < 64; i++ {
			if sum&(1<<uint(i)) != 0 {
				votes[i]++
			} else {
				votes[i]--
			}
		}
	}
	if tokens == 0 {
		return 0
	}

	var fp uint64
	for i := 0; i < 64; i++ {
		if votes[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Similar reports whether two fingerprints are within threshold bits of
// each other.
func Similar(a, b uint64, threshold int) bool {
	return Distance(a, b) <= threshold
}

// EstimateTokens approximates the LLM token count of text. English
// prose averages roughly four characters per token; HTML-derived text
// skews shorter, so three runes per token errs on the safe side for
// budget checks.
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	n := len([]rune(text))
	tokens := n / 3
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
