package seqio

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/glycotree-labs/glycotree/pkg/models"
)

// ParseFASTA reads FASTA records. The header up to the first whitespace is
// the record ID; the remainder of the header line is kept as the organism
// description when present. Duplicate IDs are rejected because artifact
// schemas require unique identifiers.
func ParseFASTA(r io.Reader) ([]models.SequenceRecord, error) {
	var (
		records []models.SequenceRecord
		current *models.SequenceRecord
		seen    = make(map[string]struct{})
		seq     strings.Builder
	)

	flush := func() {
		if current != nil {
			current.Residues = seq.String()
			records = append(records, *current)
			seq.Reset()
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r\n")
		switch {
		case strings.HasPrefix(text, ">"):
			flush()
			header := strings.TrimSpace(text[1:])
			if header == "" {
				return nil, fmt.Errorf("line %d: empty FASTA header", line)
			}
			id, desc, _ := strings.Cut(header, " ")
			if _, dup := seen[id]; dup {
				return nil, fmt.Errorf("line %d: duplicate sequence id %q", line, id)
			}
			seen[id] = struct{}{}
			current = &models.SequenceRecord{ID: id, Organism: strings.TrimSpace(desc)}
		case current == nil:
			if strings.TrimSpace(text) != "" {
				return nil, fmt.Errorf("line %d: sequence data before first header", line)
			}
		default:
			seq.WriteString(strings.TrimSpace(text))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read fasta: %w", err)
	}
	flush()

	for _, rec := range records {
		if rec.Residues == "" {
			return nil, fmt.Errorf("sequence %s has no residues", rec.ID)
		}
	}
	return records, nil
}

// WriteFASTA writes records in FASTA format with 80-column wrapping.
func WriteFASTA(w io.Writer, records []models.SequenceRecord) error {
	bw := bufio.NewWriter(w)
	for _, rec := range records {
		if rec.Organism != "" {
			fmt.Fprintf(bw, ">%s %s\n", rec.ID, rec.Organism)
		} else {
			fmt.Fprintf(bw, ">%s\n", rec.ID)
		}
		res := rec.Residues
		for len(res) > 80 {
			bw.WriteString(res[:80])
			bw.WriteByte('\n')
			res = res[80:]
		}
		bw.WriteString(res)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
