package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const testFP = "0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewFSStore(t.TempDir(), 16, logger)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestFSStore_GetBeforePut(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), testFP); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFSStore_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	payload := ">A\nMKLV\n"

	rec, err := store.Put(ctx, testFP, strings.NewReader(payload), TypeSequenceSet)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	wantSum := sha256.Sum256([]byte(payload))
	if rec.Checksum != hex.EncodeToString(wantSum[:]) {
		t.Errorf("checksum = %s", rec.Checksum)
	}
	if rec.SizeBytes != int64(len(payload)) {
		t.Errorf("size = %d", rec.SizeBytes)
	}

	got, err := store.Get(ctx, testFP)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Checksum != rec.Checksum || got.Type != TypeSequenceSet {
		t.Errorf("got = %+v", got)
	}

	rc, err := store.Open(ctx, testFP)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != payload {
		t.Errorf("payload = %q", data)
	}
}

func TestFSStore_InvalidFingerprint(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Put(context.Background(), "NOT-HEX", strings.NewReader("x"), TypeTree); err == nil {
		t.Fatal("expected invalid fingerprint error")
	}
}

func TestFSStore_CorruptionIsAMiss(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.Put(ctx, testFP, strings.NewReader("original payload"), TypeAlignment); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Flip bytes on disk behind the store's back.
	path := filepath.Join(store.root, testFP[:2], testFP, payloadName)
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	store.records.Remove(testFP)

	if _, err := store.Get(ctx, testFP); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}

	// The entry is quarantined: a second read is a plain miss, and the
	// slot is free for re-execution to fill.
	if _, err := store.Get(ctx, testFP); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err after quarantine = %v, want ErrNotFound", err)
	}
	if _, err := store.Put(ctx, testFP, strings.NewReader("recomputed"), TypeAlignment); err != nil {
		t.Fatalf("re-put after quarantine: %v", err)
	}
	if _, err := store.Get(ctx, testFP); err != nil {
		t.Fatalf("get after re-put: %v", err)
	}
}

func TestFSStore_ConcurrentDivergentPuts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var wg sync.WaitGroup
	recs := make([]*Artifact, 8)
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := strings.Repeat(string(rune('a'+i)), 64)
			rec, err := store.Put(ctx, testFP, strings.NewReader(payload), TypeModel)
			if err != nil {
				t.Errorf("put %d: %v", i, err)
				return
			}
			recs[i] = rec
		}(i)
	}
	wg.Wait()

	// Exactly one payload survives and every writer observed it.
	final, err := store.Get(ctx, testFP)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i, rec := range recs {
		if rec == nil {
			continue
		}
		if rec.Checksum != final.Checksum {
			t.Errorf("writer %d observed checksum %s, survivor is %s", i, rec.Checksum, final.Checksum)
		}
	}
}

func TestFSStore_Prune(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	old := strings.Replace(testFP, "0a", "1b", 1)
	if _, err := store.Put(ctx, old, strings.NewReader("old"), TypeSequenceSet); err != nil {
		t.Fatalf("put: %v", err)
	}
	pinned := strings.Replace(testFP, "0a", "2c", 1)
	if _, err := store.Put(ctx, pinned, strings.NewReader("pinned"), TypeTree); err != nil {
		t.Fatalf("put: %v", err)
	}

	removed, err := store.Prune(ctx, time.Now().Add(time.Hour), []TypeTag{TypeTree})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.Get(ctx, old); !errors.Is(err, ErrNotFound) {
		t.Errorf("old artifact should be gone, got %v", err)
	}
	if _, err := store.Get(ctx, pinned); err != nil {
		t.Errorf("pinned artifact should survive, got %v", err)
	}
}
