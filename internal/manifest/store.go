package manifest

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Load for an unknown run id.
var ErrNotFound = errors.New("manifest not found")

// ErrSchemaVersion is returned when a persisted manifest carries a schema
// version this build does not understand.
var ErrSchemaVersion = errors.New("unsupported manifest schema version")

// Store durably round-trips manifests. Save is called synchronously after
// every stage transition, so at most the in-flight transition can be lost
// on crash.
type Store interface {
	Save(ctx context.Context, m *RunManifest) error
	Load(ctx context.Context, id uuid.UUID) (*RunManifest, error)
	List(ctx context.Context) ([]*RunManifest, error)
}
