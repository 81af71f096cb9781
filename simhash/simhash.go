// Package simhash fingerprints reply text so a reply that merely repeats the
// previous one can be flagged.
package simhash

import (
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"
)

// Fingerprint computes a 64-bit SimHash of the given text.
// Uses FNV-64a hash on lower-cased word tokens with bit vector accumulation.
func Fingerprint(text string) uint64 {
	words := tokens(text)
	if len(words) == 0 {
		return 0
	}

	var vector [64]int

	for _, word := range words {
		h := fnv.New64a()
		h.Write([]byte(word))
		hash := h.Sum64()

		for i := 0; i < 64; i++ {
			if hash&(1<<uint(i)) != 0 {
				vector[i]++
			} else {
				vector[i]--
			}
		}
	}

	var fingerprint uint64
	for i := 0; i < 64; i++ {
		if vector[i] > 0 {
			fingerprint |= 1 << uint(i)
		}
	}

	return fingerprint
}

// tokens splits text into lower-cased words, dropping surrounding
// punctuation so "Hello," and "hello" hash alike.
func tokens(text string) []string {
	fields := strings.Fields(text)
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(strings.ToLower(f), func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Distance returns the Hamming distance between two SimHash fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Similar returns true if the Hamming distance between two fingerprints
// is less than or equal to the threshold.
func Similar(a, b uint64, threshold int) bool {
	return Distance(a, b) <= threshold
}

// DefaultThreshold is the Hamming distance at or below which two replies
// count as the same reply.
const DefaultThreshold = 3

// Detector remembers the previous reply's fingerprint.
type Detector struct {
	threshold int
	prev      uint64
	has       bool
}

// NewDetector returns a Detector using DefaultThreshold.
func NewDetector() *Detector {
	return &Detector{threshold: DefaultThreshold}
}

// Seen reports whether text matches the previous text passed to Seen, then
// remembers text. Empty text never matches and is not remembered.
func (d *Detector) Seen(text string) bool {
	fp := Fingerprint(text)
	if fp == 0 {
		return false
	}
	dup := d.has && Similar(fp, d.prev, d.threshold)
	d.prev, d.has = fp, true
	return dup
}
