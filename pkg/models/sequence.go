package models

import "fmt"

// TaxonomyDomain is a bitmask selecting which organism domains a dataset
// fetch includes. Flags combine with |.
type TaxonomyDomain uint8

const (
	DomainArchaea TaxonomyDomain = 1 << iota
	DomainBacteria
	DomainEukaryota
	DomainViruses
	DomainUnclassified

	DomainAll = DomainArchaea | DomainBacteria | DomainEukaryota | DomainViruses | DomainUnclassified
)

func (d TaxonomyDomain) String() string {
	if d == DomainAll {
		return "ALL_DOMAINS"
	}
	names := []struct {
		flag TaxonomyDomain
		name string
	}{
		{DomainArchaea, "A"},
		{DomainBacteria, "B"},
		{DomainEukaryota, "E"},
		{DomainViruses, "V"},
		{DomainUnclassified, "U"},
	}
	out := ""
	for _, n := range names {
		if d&n.flag != 0 {
			out += n.name
		}
	}
	if out == "" {
		return "NONE"
	}
	return out
}

// ParseDomains decodes the compact letter form produced by String, e.g.
// "BE" for bacteria plus eukaryota. "ALL_DOMAINS" selects everything.
func ParseDomains(s string) (TaxonomyDomain, error) {
	if s == "ALL_DOMAINS" {
		return DomainAll, nil
	}
	var d TaxonomyDomain
	for _, r := range s {
		switch r {
		case 'A':
			d |= DomainArchaea
		case 'B':
			d |= DomainBacteria
		case 'E':
			d |= DomainEukaryota
		case 'V':
			d |= DomainViruses
		case 'U':
			d |= DomainUnclassified
		default:
			return 0, fmt.Errorf("unknown taxonomy domain letter %q", r)
		}
	}
	if d == 0 {
		return 0, fmt.Errorf("empty taxonomy domain selection")
	}
	return d, nil
}

// ScrapeMode filters which characterization level of enzymes a dataset
// fetch downloads.
type ScrapeMode string

const (
	ModeCharacterized ScrapeMode = "characterized"
	ModeAll           ScrapeMode = "all"
	ModeStructure     ScrapeMode = "structure"
)

// DomainRange is an annotated functional domain within a sequence,
// half-open on residue coordinates.
type DomainRange struct {
	Name  string `json:"name"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// SequenceRecord is one entry of a sequence-set artifact. ID is unique
// within the set; Source distinguishes fetched records from user uploads.
type SequenceRecord struct {
	ID       string        `json:"id"`
	Organism string        `json:"organism,omitempty"`
	Source   string        `json:"source,omitempty"` // "fetch" or "user"
	Residues string        `json:"residues"`
	Domains  []DomainRange `json:"domains,omitempty"`
}

// TreeBuilder selects the tree-inference tool.
type TreeBuilder string

const (
	TreeBuilderFastTree TreeBuilder = "fasttree"
	TreeBuilderRAxML    TreeBuilder = "raxml"
	TreeBuilderRAxMLNG  TreeBuilder = "raxml-ng"
)
