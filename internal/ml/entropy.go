// Package ml provides the URL classification pipeline: feature extraction,
// canonical feature ordering and model inference.
package ml

import "math"

// ShannonEntropy returns the Shannon entropy of s in bits, computed over its
// Unicode code points. The empty string has entropy 0.
func ShannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	total := 0
	for _, c := range s {
		freq[c]++
		total++
	}

	var entropy float64
	n := float64(total)
	for _, count := range freq {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}

	return entropy
}
