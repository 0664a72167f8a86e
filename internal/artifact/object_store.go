package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/glycotree-labs/glycotree/internal/config"
)

// ObjectStore keeps the artifact cache in a MinIO bucket so several worker
// hosts can share it. The payload is stored under a checksum-suffixed key
// and the sidecar record is the commit point: readers only ever see
// payloads referenced by a fully written record, and the first visible
// record for a fingerprint wins.
type ObjectStore struct {
	mc     *minio.Client
	bucket string
	logger *slog.Logger
}

func NewObjectStore(cfg config.MinIOConfig, logger *slog.Logger) (*ObjectStore, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &ObjectStore{mc: mc, bucket: cfg.Bucket, logger: logger}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

func recordKey(fingerprint string) string {
	return "artifacts/" + fingerprint + "/" + recordName
}

func payloadKey(fingerprint, checksum string) string {
	return "artifacts/" + fingerprint + "/" + checksum
}

func (s *ObjectStore) Get(ctx context.Context, fingerprint string) (*Artifact, error) {
	if !ValidFingerprint(fingerprint) {
		return nil, ErrNotFound
	}
	obj, err := s.mc.GetObject(ctx, s.bucket, recordKey(fingerprint), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get artifact record: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact record: %w", err)
	}
	var rec Artifact
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: unreadable record", ErrCorrupt)
	}
	return &rec, nil
}

func (s *ObjectStore) Open(ctx context.Context, fingerprint string) (io.ReadCloser, error) {
	rec, err := s.Get(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	obj, err := s.mc.GetObject(ctx, s.bucket, payloadKey(fingerprint, rec.Checksum), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get artifact payload: %w", err)
	}
	return obj, nil
}

func (s *ObjectStore) Put(ctx context.Context, fingerprint string, payload io.Reader, typeTag TypeTag) (*Artifact, error) {
	if !ValidFingerprint(fingerprint) {
		return nil, fmt.Errorf("invalid fingerprint %q", fingerprint)
	}
	if existing, err := s.Get(ctx, fingerprint); err == nil {
		return existing, nil
	}

	// Buffer to compute the checksum before any object becomes visible.
	data, err := io.ReadAll(payload)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	sum := sha256.Sum256(data)
	rec := Artifact{
		RecordVersion: RecordVersion,
		Fingerprint:   fingerprint,
		Checksum:      hex.EncodeToString(sum[:]),
		Type:          typeTag,
		SizeBytes:     int64(len(data)),
		CreatedAt:     time.Now().UTC(),
	}

	_, err = s.mc.PutObject(ctx, s.bucket, payloadKey(fingerprint, rec.Checksum),
		bytes.NewReader(data), rec.SizeBytes, minio.PutObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("upload payload: %w", err)
	}

	recData, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.mc.PutObject(ctx, s.bucket, recordKey(fingerprint),
		bytes.NewReader(recData), int64(len(recData)), minio.PutObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("upload record: %w", err)
	}

	// Read back: if a racing writer committed a different record first,
	// theirs is the surviving artifact.
	committed, err := s.Get(ctx, fingerprint)
	if err != nil {
		return &rec, nil
	}
	if committed.Checksum != rec.Checksum && s.logger != nil {
		s.logger.Warn("discarding divergent artifact for already-cached fingerprint",
			slog.String("fingerprint", fingerprint),
			slog.String("kept", committed.Checksum),
			slog.String("discarded", rec.Checksum))
	}
	return committed, nil
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey"
	}
	return false
}
