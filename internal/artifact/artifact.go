package artifact

import (
	"context"
	"errors"
	"io"
	"regexp"
	"time"
)

// TypeTag classifies an artifact's content.
type TypeTag string

const (
	TypeSequenceSet TypeTag = "sequence-set"
	TypeAlignment   TypeTag = "alignment"
	TypeTree        TypeTag = "tree"
	TypeModel       TypeTag = "model"
	TypeReport      TypeTag = "report"
)

// RecordVersion is written into every sidecar record.
const RecordVersion = 1

// Artifact is the stored output of a stage. Immutable after creation; it is
// superseded only by a new artifact under a new fingerprint.
type Artifact struct {
	RecordVersion int       `json:"record_version"`
	Fingerprint   string    `json:"fingerprint"`
	Checksum      string    `json:"checksum"`
	Type          TypeTag   `json:"type"`
	SizeBytes     int64     `json:"size_bytes"`
	CreatedAt     time.Time `json:"created_at"`
}

// ErrNotFound is returned by Get/Open when no artifact exists for a
// fingerprint.
var ErrNotFound = errors.New("artifact not found")

// ErrCorrupt is returned when a stored artifact fails checksum verification
// on read. Callers treat it as a forced cache miss and re-execute.
var ErrCorrupt = errors.New("artifact failed checksum verification")

// Store is the content-addressed artifact cache shared by all runs.
//
// Get is a pure lookup. Put is called only after a stage runner has
// produced and validated output; concurrent puts for one fingerprint
// converge to a single stored artifact.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*Artifact, error)
	Open(ctx context.Context, fingerprint string) (io.ReadCloser, error)
	Put(ctx context.Context, fingerprint string, payload io.Reader, typeTag TypeTag) (*Artifact, error)
}

var fingerprintRe = regexp.MustCompile(`^[0-9a-f]{16,64}$`)

// ValidFingerprint reports whether s looks like a store key. Used by the
// API surface to reject path-traversal attempts before touching disk.
func ValidFingerprint(s string) bool {
	return fingerprintRe.MatchString(s)
}
