// Package storagetest exercises storage.Backend implementations against the
// behaviour the transfer layer relies on.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/xid"

	"pkt.systems/gridgate/internal/storage"
)

// Run executes the shared backend checks. Keys are randomised so the suite can
// run against shared buckets.
func Run(t *testing.T, backend storage.Backend) {
	t.Helper()
	ctx := context.Background()
	prefix := "suite-" + xid.New().String()

	t.Run("RoundTrip", func(t *testing.T) {
		key := prefix + "/data/roundtrip"
		payload := []byte("work unit payload")
		info, err := backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{
			ContentType: "text/plain",
			Size:        int64(len(payload)),
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if info.Size != int64(len(payload)) {
			t.Fatalf("put size: got %d want %d", info.Size, len(payload))
		}
		res, err := backend.GetObject(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		got, err := io.ReadAll(res.Reader)
		_ = res.Reader.Close()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload mismatch: %q", got)
		}
		if res.Info == nil || res.Info.Size != int64(len(payload)) {
			t.Fatalf("unexpected info %+v", res.Info)
		}
		stat, err := storage.Stat(ctx, backend, key)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if stat.Size != int64(len(payload)) {
			t.Fatalf("stat size: got %d", stat.Size)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		key := prefix + "/data/overwrite"
		for _, body := range []string{"first", "second payload"} {
			if _, err := backend.PutObject(ctx, key, bytes.NewBufferString(body), storage.PutObjectOptions{Size: -1}); err != nil {
				t.Fatalf("put %q: %v", body, err)
			}
		}
		res, err := backend.GetObject(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		got, _ := io.ReadAll(res.Reader)
		_ = res.Reader.Close()
		if string(got) != "second payload" {
			t.Fatalf("expected overwrite, got %q", got)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		key := prefix + "/data/delete"
		if _, err := backend.PutObject(ctx, key, bytes.NewBufferString("x"), storage.PutObjectOptions{Size: 1}); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{}); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := backend.GetObject(ctx, key); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
		if err := backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
			t.Fatalf("ignore not found: %v", err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if _, err := backend.GetObject(ctx, prefix+"/missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
