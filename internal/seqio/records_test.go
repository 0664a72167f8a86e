package seqio

import (
	"bytes"
	"strings"
	"testing"

	"github.com/glycotree-labs/glycotree/pkg/models"
)

func TestRecords_RoundTripKeepsMetadata(t *testing.T) {
	records := []models.SequenceRecord{
		{ID: "AAB51426.1", Organism: "Bacillus subtilis", Source: "fetch", Residues: "MKLV",
			Domains: []models.DomainRange{{Name: "GH13", Start: 1, End: 4}}},
		{ID: "QUERY1", Source: "user", Residues: "MWWT"},
	}
	var buf bytes.Buffer
	if err := EncodeRecords(&buf, records); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRecords(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d", len(got))
	}
	if got[0].Source != "fetch" || got[1].Source != "user" {
		t.Errorf("sources = %q, %q", got[0].Source, got[1].Source)
	}
	if len(got[0].Domains) != 1 || got[0].Domains[0].Name != "GH13" {
		t.Errorf("domains = %+v", got[0].Domains)
	}
}

func TestDecodeRecords_RejectsBadSets(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"duplicate id", `[{"id":"A","residues":"MK"},{"id":"A","residues":"MW"}]`},
		{"missing id", `[{"residues":"MK"}]`},
		{"empty residues", `[{"id":"A","residues":""}]`},
		{"not json", `>A` + "\nMK\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRecords(strings.NewReader(tt.in)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
