package seqio

import (
	"fmt"
	"io"

	"github.com/glycotree-labs/glycotree/pkg/models"
)

// ParseAlignment reads an aligned FASTA and checks alignment shape: at
// least one row, equal-length rows, and only residue or gap characters.
func ParseAlignment(r io.Reader) ([]models.SequenceRecord, error) {
	rows, err := ParseFASTA(r)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("alignment is empty")
	}
	width := len(rows[0].Residues)
	for _, row := range rows {
		if len(row.Residues) != width {
			return nil, fmt.Errorf("alignment row %s has length %d, want %d", row.ID, len(row.Residues), width)
		}
	}
	return rows, nil
}

// CheckAlignment validates an alignment against the sequence set it was
// built from: same row count and the exact same set of identifiers.
func CheckAlignment(rows []models.SequenceRecord, inputIDs []string) error {
	if len(rows) != len(inputIDs) {
		return fmt.Errorf("alignment has %d rows, want %d", len(rows), len(inputIDs))
	}
	want := make(map[string]struct{}, len(inputIDs))
	for _, id := range inputIDs {
		want[id] = struct{}{}
	}
	for _, row := range rows {
		if _, ok := want[row.ID]; !ok {
			return fmt.Errorf("alignment row %s not present in input set", row.ID)
		}
	}
	return nil
}
