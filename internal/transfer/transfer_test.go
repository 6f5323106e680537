package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"pkt.systems/gridgate/internal/clock"
	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/gridgate/internal/storage/memory"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/store/memstore"
	"pkt.systems/pslog"
)

var owner = &store.Identity{ID: "owner", Login: "owner", Rights: store.RightsStandardUser}

func newGuard(t *testing.T) (*Guard, *memstore.Store, *memory.Store) {
	t.Helper()
	meta := memstore.New()
	blobs := memory.New()
	g := NewGuard(meta, blobs, clock.NewManual(time.Unix(1700000000, 0)), pslog.NewStructured(context.Background(), io.Discard))
	if err := meta.PutArtifact(context.Background(), &store.Artifact{
		ID: "a1", OwnerID: owner.ID, Name: "input.bin", Size: -1, Status: store.StatusPending, AccessRights: 0x700,
	}); err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
	return g, meta, blobs
}

func stage(t *testing.T, g *Guard, payload []byte, declaredSize int64, checksum string) {
	t.Helper()
	spool := NewSpool(64)
	if _, err := spool.Write(payload); err != nil {
		t.Fatalf("spool: %v", err)
	}
	parts := []*Part{
		{Name: FieldDataUID, Value: "a1"},
		{Name: FieldDataFile, FileName: "input.bin", File: spool},
		{Name: FieldDataSize, Value: strconv.FormatInt(declaredSize, 10)},
		{Name: FieldDataMD5Sum, Value: checksum},
	}
	g.Begin(parts, nil)
	if parts[1].File != nil {
		t.Fatal("guard should take ownership of the spool")
	}
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestCommitSuccess(t *testing.T) {
	ctx := context.Background()
	g, meta, blobs := newGuard(t)
	payload := bytes.Repeat([]byte("x"), 300)
	stage(t, g, payload, 300, strings.ToUpper(md5Hex(payload)))

	size, err := g.Commit(ctx, owner, "a1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if size != 300 {
		t.Fatalf("size = %d", size)
	}
	a, _ := meta.Artifact(ctx, "a1")
	if a.Status != store.StatusAvailable || a.Size != 300 || a.Checksum != md5Hex(payload) || a.Path != BlobKey("a1") {
		t.Fatalf("unexpected artifact %+v", a)
	}
	if blobs.Len() != 1 {
		t.Fatalf("expected one blob, got %d", blobs.Len())
	}
	if g.Snapshot().Staged() {
		t.Fatal("staged state must be cleared")
	}
}

func TestCommitSizeMismatch(t *testing.T) {
	ctx := context.Background()
	g, meta, blobs := newGuard(t)
	payload := bytes.Repeat([]byte("y"), 1023)
	stage(t, g, payload, 1024, md5Hex(payload))

	_, err := g.Commit(ctx, owner, "a1")
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
	a, _ := meta.Artifact(ctx, "a1")
	if a.Status != store.StatusError {
		t.Fatalf("status = %s", a.Status)
	}
	if blobs.Len() != 0 {
		t.Fatal("mismatched blob must be deleted")
	}
	snap := g.Snapshot()
	if snap.Staged() || snap.DeclaredSize != -1 || snap.DeclaredChecksum != "" {
		t.Fatalf("staged state not cleared: %+v", snap)
	}
}

func TestCommitChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	g, meta, blobs := newGuard(t)
	payload := []byte("hello")
	stage(t, g, payload, 5, "deadbeef")
	if _, err := g.Commit(ctx, owner, "a1"); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	a, _ := meta.Artifact(ctx, "a1")
	if a.Status != store.StatusError || blobs.Len() != 0 {
		t.Fatalf("artifact %+v blobs %d", a, blobs.Len())
	}

	stage(t, g, payload, 5, "")
	if _, err := g.Commit(ctx, owner, "a1"); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("missing checksum should fail, got %v", err)
	}
}

func TestCommitLookupFailures(t *testing.T) {
	ctx := context.Background()
	g, meta, _ := newGuard(t)
	stage(t, g, []byte("a"), 1, md5Hex([]byte("a")))
	if _, err := g.Commit(ctx, owner, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if g.Snapshot().Staged() {
		t.Fatal("staged state must be cleared after lookup failure")
	}

	stage(t, g, []byte("a"), 1, md5Hex([]byte("a")))
	stranger := &store.Identity{ID: "stranger", Rights: store.RightsStandardUser}
	if _, err := g.Commit(ctx, stranger, "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected inaccessible artifact to be not found, got %v", err)
	}
	a, _ := meta.Artifact(ctx, "a1")
	if a.Status != store.StatusPending {
		t.Fatalf("inaccessible artifact must not be touched, status %s", a.Status)
	}

	if _, err := g.Commit(ctx, owner, "a1"); !errors.Is(err, ErrNoStagedData) {
		t.Fatalf("expected no staged data, got %v", err)
	}
	a, _ = meta.Artifact(ctx, "a1")
	if a.Status != store.StatusError {
		t.Fatalf("status = %s", a.Status)
	}
}

func TestBeginFallsBackToParams(t *testing.T) {
	g, _, _ := newGuard(t)
	spool := NewSpool(16)
	_, _ = spool.Write([]byte("abc"))
	g.Begin([]*Part{{Name: "datafile", FileName: "f", File: spool}}, url.Values{
		FieldDataUID:    {"a1"},
		FieldDataSize:   {"3"},
		FieldDataMD5Sum: {md5Hex([]byte("abc"))},
	})
	snap := g.Snapshot()
	if snap.ArtifactID != "a1" || snap.DeclaredSize != 3 || !snap.Staged() {
		t.Fatalf("unexpected session %+v", snap)
	}
	if _, err := g.Commit(context.Background(), owner, "a1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

type failingBackend struct{ storage.Backend }

func (failingBackend) PutObject(context.Context, string, io.Reader, storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	return nil, errors.New("disk full")
}

func TestCommitMaterializeFailureMarksError(t *testing.T) {
	ctx := context.Background()
	meta := memstore.New()
	_ = meta.PutArtifact(ctx, &store.Artifact{ID: "a1", OwnerID: owner.ID, Status: store.StatusPending})
	g := NewGuard(meta, failingBackend{memory.New()}, nil, nil)
	stage(t, g, []byte("a"), 1, md5Hex([]byte("a")))
	if _, err := g.Commit(ctx, owner, "a1"); err == nil {
		t.Fatal("expected error")
	}
	a, _ := meta.Artifact(ctx, "a1")
	if a.Status != store.StatusError {
		t.Fatalf("status = %s", a.Status)
	}
}

func TestSpoolSpillsToDisk(t *testing.T) {
	s := NewSpool(4)
	defer s.Close()
	if _, err := s.Write([]byte("ab")); err != nil {
		t.Fatal(err)
	}
	if s.file != nil {
		t.Fatal("should still be in memory")
	}
	if _, err := s.Write([]byte("cdef")); err != nil {
		t.Fatal(err)
	}
	if s.file == nil {
		t.Fatal("expected spill to disk")
	}
	r, err := s.Reader()
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "abcdef" || s.Size() != 6 {
		t.Fatalf("got %q size %d", got, s.Size())
	}
}

func multipartRequest(t *testing.T, fields map[string]string, file []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := mw.CreateFormFile("datafile", "payload.bin")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(file)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/uploaddata?xwlogin=alice", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestReadRequestMultipart(t *testing.T) {
	req := multipartRequest(t, map[string]string{"datauid": "a1", "datasize": "4"}, []byte("data"))
	parsed, err := ReadRequest(httptest.NewRecorder(), req, Limits{MaxUpload: 1 << 20, SpoolMemory: 2})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer parsed.Close()
	if parsed.Params.Get("XWLOGIN") != "alice" || parsed.Params.Get(FieldDataUID) != "a1" {
		t.Fatalf("params %v", parsed.Params)
	}
	if !parsed.HasFile() {
		t.Fatal("expected file part")
	}
	var file *Part
	for _, p := range parsed.Parts {
		if p.Name == FieldDataFile {
			file = p
		}
	}
	if file == nil || file.FileName != "payload.bin" || file.File.Size() != 4 {
		t.Fatalf("file part %+v", file)
	}
}

func TestReadRequestTooLarge(t *testing.T) {
	req := multipartRequest(t, nil, bytes.Repeat([]byte("z"), 4096))
	_, err := ReadRequest(httptest.NewRecorder(), req, Limits{MaxUpload: 512})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
}

func TestReadRequestForm(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/get", strings.NewReader("xmldesc=%3Cdata%2F%3E&Parameter=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	parsed, err := ReadRequest(httptest.NewRecorder(), req, Limits{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if parsed.Params.Get("XMLDESC") != "<data/>" || parsed.Params.Get("PARAMETER") != "x" {
		t.Fatalf("params %v", parsed.Params)
	}
}
