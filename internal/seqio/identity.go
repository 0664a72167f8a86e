package seqio

import "github.com/agnivade/levenshtein"

// Identity returns the fraction of identical residues between two
// sequences, computed as 1 - editDistance/maxLen. 1.0 means identical.
func Identity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(maxLen)
}
