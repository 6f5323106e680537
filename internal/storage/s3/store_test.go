package s3

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/gridgate/internal/storage/storagetest"
)

func TestS3Backend(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ok, err := store.BucketExists(context.Background())
	if err != nil || !ok {
		t.Fatalf("bucket exists: %v %v", ok, err)
	}
	storagetest.Run(t, store)
}

func TestS3ObjectKeyPrefix(t *testing.T) {
	store := &Store{cfg: Config{Prefix: "grid"}}
	got, err := store.objectKey("/data/abc")
	if err != nil {
		t.Fatalf("object key: %v", err)
	}
	if got != "grid/data/abc" {
		t.Fatalf("unexpected key %q", got)
	}
	if _, err := store.objectKey("../x"); err == nil {
		t.Fatal("expected traversal rejection")
	}
}

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "gridgate-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	return server, Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Insecure:       true,
		ForcePathStyle: true,
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"timeout", fakeTimeoutErr{}, true},
		{"dns temporary", &net.DNSError{IsTemporary: true}, true},
		{"reset", syscall.ECONNRESET, true},
		{"plain", context.Canceled, false},
	}
	for _, tc := range tests {
		if got := isRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
