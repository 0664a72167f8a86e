package seqio

import (
	"fmt"
	"strings"
)

// NewickLeaves extracts the leaf names of a Newick tree. The parser accepts
// branch lengths and internal node labels and rejects unbalanced trees or
// trailing garbage, which is enough to validate tree-inference output.
func NewickLeaves(newick string) ([]string, error) {
	s := strings.TrimSpace(newick)
	if s == "" {
		return nil, fmt.Errorf("empty tree")
	}
	if !strings.HasSuffix(s, ";") {
		return nil, fmt.Errorf("tree does not end with ';'")
	}
	s = s[:len(s)-1]

	var (
		leaves  []string
		depth   int
		token   strings.Builder
		// a token is a leaf name only when it directly follows '(' or ','
		tokenIsLeaf bool
	)

	flush := func() {
		if tokenIsLeaf && token.Len() > 0 {
			name, _, _ := strings.Cut(token.String(), ":")
			if name != "" {
				leaves = append(leaves, name)
			}
		}
		token.Reset()
		tokenIsLeaf = false
	}

	for _, c := range s {
		switch c {
		case '(':
			depth++
			flush()
			tokenIsLeaf = true
		case ',':
			flush()
			tokenIsLeaf = true
		case ')':
			flush()
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses")
			}
		default:
			token.WriteRune(c)
		}
	}
	flush()
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses")
	}
	if len(leaves) == 0 {
		return nil, fmt.Errorf("tree has no leaves")
	}
	return leaves, nil
}

// CheckTreeLeaves validates that a tree's leaf set equals the given ids.
// A tool that exits cleanly but drops sequences produces fewer leaves than
// inputs; that must be reported as invalid output, not passed through.
func CheckTreeLeaves(newick string, inputIDs []string) error {
	leaves, err := NewickLeaves(newick)
	if err != nil {
		return err
	}
	if len(leaves) != len(inputIDs) {
		return fmt.Errorf("tree has %d leaves, want %d", len(leaves), len(inputIDs))
	}
	want := make(map[string]struct{}, len(inputIDs))
	for _, id := range inputIDs {
		want[id] = struct{}{}
	}
	for _, leaf := range leaves {
		if _, ok := want[leaf]; !ok {
			return fmt.Errorf("tree leaf %s not present in input set", leaf)
		}
	}
	return nil
}
