package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	payloadName = "payload"
	recordName  = "record.json"
)

// FSStore lays artifacts out as fingerprint-keyed directories:
//
//	<root>/<fp[:2]>/<fp>/payload
//	<root>/<fp[:2]>/<fp>/record.json
//
// A directory is renamed into place only once payload and record are fully
// written, so a concurrent reader observes either the whole artifact or
// nothing. Verified sidecar records are cached in-process; records are
// immutable once committed, so the cache never needs invalidation.
type FSStore struct {
	root    string
	logger  *slog.Logger
	records *lru.Cache[string, *Artifact]
}

func NewFSStore(root string, cacheSize int, logger *slog.Logger) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(root, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	records, err := lru.New[string, *Artifact](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create record cache: %w", err)
	}
	return &FSStore{root: root, logger: logger, records: records}, nil
}

func (s *FSStore) dir(fingerprint string) string {
	return filepath.Join(s.root, fingerprint[:2], fingerprint)
}

// Get looks up an artifact, verifying payload integrity before the record
// is served. A checksum mismatch quarantines the entry and reports
// ErrCorrupt; callers handle that as a miss and re-execute the stage.
func (s *FSStore) Get(_ context.Context, fingerprint string) (*Artifact, error) {
	if !ValidFingerprint(fingerprint) {
		return nil, ErrNotFound
	}
	if rec, ok := s.records.Get(fingerprint); ok {
		return rec, nil
	}

	dir := s.dir(fingerprint)
	data, err := os.ReadFile(filepath.Join(dir, recordName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact record: %w", err)
	}
	var rec Artifact
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, s.quarantine(fingerprint, fmt.Sprintf("unreadable record: %v", err))
	}

	sum, size, err := hashFile(filepath.Join(dir, payloadName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s.quarantine(fingerprint, "payload missing")
		}
		return nil, fmt.Errorf("read artifact payload: %w", err)
	}
	if sum != rec.Checksum || size != rec.SizeBytes {
		return nil, s.quarantine(fingerprint, "checksum mismatch")
	}

	s.records.Add(fingerprint, &rec)
	return &rec, nil
}

// Open streams the payload of a verified artifact.
func (s *FSStore) Open(ctx context.Context, fingerprint string) (io.ReadCloser, error) {
	if _, err := s.Get(ctx, fingerprint); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir(fingerprint), payloadName))
	if err != nil {
		return nil, fmt.Errorf("open artifact payload: %w", err)
	}
	return f, nil
}

// Put stores payload under the fingerprint. The content is staged in a
// temp directory and renamed into place; when two writers race on the same
// fingerprint, the first committed artifact survives and the second
// writer's content is discarded.
func (s *FSStore) Put(ctx context.Context, fingerprint string, payload io.Reader, typeTag TypeTag) (*Artifact, error) {
	if !ValidFingerprint(fingerprint) {
		return nil, fmt.Errorf("invalid fingerprint %q", fingerprint)
	}

	staging := filepath.Join(s.root, ".tmp", uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	f, err := os.Create(filepath.Join(staging, payloadName))
	if err != nil {
		return nil, fmt.Errorf("create staged payload: %w", err)
	}
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, h), payload)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("write staged payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync staged payload: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close staged payload: %w", err)
	}

	rec := Artifact{
		RecordVersion: RecordVersion,
		Fingerprint:   fingerprint,
		Checksum:      hex.EncodeToString(h.Sum(nil)),
		Type:          typeTag,
		SizeBytes:     size,
		CreatedAt:     time.Now().UTC(),
	}
	recData, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, recordName), recData, 0o644); err != nil {
		return nil, fmt.Errorf("write staged record: %w", err)
	}

	dir := s.dir(fingerprint)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("create shard dir: %w", err)
	}
	if err := os.Rename(staging, dir); err != nil {
		// A concurrent writer committed first. Keep theirs.
		if existing, gerr := s.Get(ctx, fingerprint); gerr == nil {
			if existing.Checksum != rec.Checksum && s.logger != nil {
				s.logger.Warn("discarding divergent artifact for already-cached fingerprint",
					slog.String("fingerprint", fingerprint),
					slog.String("kept", existing.Checksum),
					slog.String("discarded", rec.Checksum))
			}
			return existing, nil
		}
		return nil, fmt.Errorf("commit artifact: %w", err)
	}

	s.records.Add(fingerprint, &rec)
	return &rec, nil
}

// Prune removes artifacts older than the cutoff, optionally keeping the
// given type tags. Retention is always explicit; nothing in the pipeline
// deletes artifacts implicitly.
func (s *FSStore) Prune(ctx context.Context, olderThan time.Time, keepTypes []TypeTag) (int, error) {
	keep := make(map[TypeTag]struct{}, len(keepTypes))
	for _, t := range keepTypes {
		keep[t] = struct{}{}
	}

	shards, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read artifact root: %w", err)
	}
	removed := 0
	for _, shard := range shards {
		if !shard.IsDir() || strings.HasPrefix(shard.Name(), ".") {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return removed, fmt.Errorf("read shard %s: %w", shard.Name(), err)
		}
		for _, e := range entries {
			rec, err := s.Get(ctx, e.Name())
			if err != nil {
				continue
			}
			if _, ok := keep[rec.Type]; ok {
				continue
			}
			if rec.CreatedAt.After(olderThan) {
				continue
			}
			if err := os.RemoveAll(s.dir(e.Name())); err != nil {
				return removed, fmt.Errorf("remove artifact %s: %w", e.Name(), err)
			}
			s.records.Remove(e.Name())
			removed++
		}
	}
	return removed, nil
}

func (s *FSStore) quarantine(fingerprint, reason string) error {
	dir := s.dir(fingerprint)
	dst := dir + ".corrupt." + fmt.Sprint(time.Now().UnixNano())
	_ = os.Rename(dir, dst)
	s.records.Remove(fingerprint)
	if s.logger != nil {
		s.logger.Warn("quarantined corrupt artifact",
			slog.String("fingerprint", fingerprint),
			slog.String("reason", reason))
	}
	return fmt.Errorf("%w: %s", ErrCorrupt, reason)
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
