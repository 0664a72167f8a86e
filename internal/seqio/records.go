package seqio

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/glycotree-labs/glycotree/pkg/models"
)

// EncodeRecords writes a sequence-set artifact payload. Sequence sets
// travel between stages as JSON rather than FASTA so per-record metadata
// (source, annotated domains) survives the artifact boundary; FASTA is
// only materialized as input for external tools.
func EncodeRecords(w io.Writer, records []models.SequenceRecord) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode sequence set: %w", err)
	}
	return nil
}

// DecodeRecords reads a sequence-set artifact payload, enforcing the same
// schema rules as ParseFASTA: unique IDs, non-empty residues.
func DecodeRecords(r io.Reader) ([]models.SequenceRecord, error) {
	var records []models.SequenceRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode sequence set: %w", err)
	}
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			return nil, fmt.Errorf("sequence set contains a record with no id")
		}
		if _, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("duplicate sequence id %q", rec.ID)
		}
		seen[rec.ID] = struct{}{}
		if rec.Residues == "" {
			return nil, fmt.Errorf("sequence %s has no residues", rec.ID)
		}
	}
	return records, nil
}
