// Package transfer stages uploaded artifact content and commits it only
// when the declared size and MD5 checksum match what was received.
package transfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/gridgate/internal/clock"
	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/pslog"
)

var (
	// ErrNotFound reports a missing or inaccessible target artifact.
	ErrNotFound = errors.New("transfer: artifact not found")
	// ErrNoStagedData reports a commit without received file content.
	ErrNoStagedData = errors.New("transfer: no staged data")
	// ErrSizeMismatch reports a received size different from the declared one.
	ErrSizeMismatch = errors.New("transfer: size mismatch")
	// ErrChecksumMismatch reports a missing or wrong declared MD5 checksum.
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
)

// Session is the staged state of one upload.
type Session struct {
	ArtifactID       string
	DeclaredSize     int64
	DeclaredChecksum string
	FileName         string
	ContentType      string
	staged           *Spool
}

// Staged reports whether file content was received.
func (s Session) Staged() bool { return s.staged != nil }

// Guard owns the upload state of one channel.
type Guard struct {
	artifacts store.Artifacts
	blobs     storage.Backend
	clk       clock.Clock
	logger    pslog.Logger

	mu      sync.Mutex
	session Session

	commits metric.Int64Counter
	bytes   metric.Int64Counter
}

// NewGuard returns a Guard writing blobs to blobs and metadata to artifacts.
func NewGuard(artifacts store.Artifacts, blobs storage.Backend, clk clock.Clock, logger pslog.Logger) *Guard {
	if clk == nil {
		clk = clock.Real{}
	}
	g := &Guard{
		artifacts: artifacts,
		blobs:     blobs,
		clk:       clk,
		logger:    loggingutil.EnsureLogger(logger),
		session:   Session{DeclaredSize: -1},
	}
	meter := otel.Meter("pkt.systems/gridgate/transfer")
	var err error
	if g.commits, err = meter.Int64Counter("gridgate.transfer.commit",
		metric.WithDescription("Upload commits by outcome")); err != nil {
		g.logger.Warn("telemetry.metric.init_failed", "name", "gridgate.transfer.commit", "error", err)
	}
	if g.bytes, err = meter.Int64Counter("gridgate.transfer.bytes",
		metric.WithDescription("Bytes committed to artifact storage"), metric.WithUnit("By")); err != nil {
		g.logger.Warn("telemetry.metric.init_failed", "name", "gridgate.transfer.bytes", "error", err)
	}
	return g
}

// Begin stages the upload described by parts, replacing anything staged
// before. Size, checksum and artifact id fall back to same-named entries in
// fallback. The file spool is taken from its part.
func (g *Guard) Begin(parts []*Part, fallback url.Values) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearLocked()
	sizeSeen := false
	for _, p := range parts {
		switch strings.ToUpper(p.Name) {
		case FieldDataUID:
			g.session.ArtifactID = strings.TrimSpace(p.Value)
		case FieldDataFile:
			if p.File == nil {
				continue
			}
			_ = g.session.staged.Close()
			g.session.staged = p.File
			g.session.FileName = p.FileName
			g.session.ContentType = p.ContentType
			p.File = nil
		case FieldDataSize:
			if n, err := strconv.ParseInt(strings.TrimSpace(p.Value), 10, 64); err == nil {
				g.session.DeclaredSize = n
				sizeSeen = true
			}
		case FieldDataMD5Sum:
			g.session.DeclaredChecksum = strings.TrimSpace(p.Value)
		}
	}
	if g.session.ArtifactID == "" {
		g.session.ArtifactID = strings.TrimSpace(fallback.Get(FieldDataUID))
	}
	if !sizeSeen {
		if n, err := strconv.ParseInt(strings.TrimSpace(fallback.Get(FieldDataSize)), 10, 64); err == nil {
			g.session.DeclaredSize = n
		}
	}
	if g.session.DeclaredChecksum == "" {
		g.session.DeclaredChecksum = strings.TrimSpace(fallback.Get(FieldDataMD5Sum))
	}
}

// Snapshot returns the staged metadata.
func (g *Guard) Snapshot() Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

// Reset drops anything staged.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.clearLocked()
	g.mu.Unlock()
}

func (g *Guard) clearLocked() {
	_ = g.session.staged.Close()
	g.session = Session{DeclaredSize: -1}
}

// Commit verifies the staged content against its declaration and stores it
// as the content of artifactID on behalf of caller. It returns the committed
// size. Staged state is cleared on every path.
func (g *Guard) Commit(ctx context.Context, caller *store.Identity, artifactID string) (size int64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.clearLocked()

	logger := loggingutil.FromContextOr(ctx, g.logger).With("artifact_id", artifactID)
	outcome := "ok"
	defer func() {
		if g.commits != nil {
			g.commits.Add(ctx, 1, metric.WithAttributes(attribute.String("gridgate.transfer.outcome", outcome)))
		}
	}()

	artifact, err := g.artifacts.Artifact(ctx, artifactID)
	if err != nil {
		outcome = "not_found"
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
		}
		return 0, fmt.Errorf("transfer: lookup %s: %w", artifactID, err)
	}
	if !artifact.CanWrite(caller) {
		outcome = "not_found"
		logger.Debug("transfer.commit.denied", "caller", callerID(caller))
		return 0, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
	}

	defer func() {
		if err == nil {
			return
		}
		artifact.Status = store.StatusError
		artifact.ModifiedAt = g.clk.Now()
		if markErr := g.artifacts.PutArtifact(ctx, artifact); markErr != nil {
			logger.Warn("transfer.commit.mark_error_failed", "error", markErr)
		}
	}()

	staged := g.session.staged
	if staged == nil {
		outcome = "no_data"
		return 0, ErrNoStagedData
	}
	reader, err := staged.Reader()
	if err != nil {
		outcome = "spool_error"
		return 0, fmt.Errorf("transfer: rewind spool: %w", err)
	}

	key := artifact.Path
	if key == "" {
		key = BlobKey(artifact.ID)
	}
	hash := md5.New()
	counter := &countingWriter{}
	contentType := artifact.Type
	if contentType == "" {
		contentType = g.session.ContentType
	}
	if _, err = g.blobs.PutObject(ctx, key, io.TeeReader(reader, io.MultiWriter(hash, counter)), storage.PutObjectOptions{
		ContentType: contentType,
		Size:        staged.Size(),
	}); err != nil {
		outcome = "storage_error"
		logger.Warn("transfer.commit.materialize_failed", "key", key, "error", err)
		return 0, fmt.Errorf("transfer: materialize %s: %w", key, err)
	}
	actualSize := counter.n
	actualSum := hex.EncodeToString(hash.Sum(nil))

	declaredSize := g.session.DeclaredSize
	declaredSum := g.session.DeclaredChecksum
	if actualSize != declaredSize {
		outcome = "size_mismatch"
		g.discard(ctx, logger, key)
		logger.Info("transfer.commit.size_mismatch", "declared", declaredSize, "actual", actualSize)
		return 0, fmt.Errorf("%w: declared %d, received %d", ErrSizeMismatch, declaredSize, actualSize)
	}
	if declaredSum == "" || !strings.EqualFold(declaredSum, actualSum) {
		outcome = "checksum_mismatch"
		g.discard(ctx, logger, key)
		logger.Info("transfer.commit.checksum_mismatch", "declared", declaredSum, "actual", actualSum)
		return 0, fmt.Errorf("%w: declared %q, computed %s", ErrChecksumMismatch, declaredSum, actualSum)
	}

	artifact.Size = actualSize
	artifact.Checksum = actualSum
	artifact.Status = store.StatusAvailable
	artifact.Path = key
	artifact.ModifiedAt = g.clk.Now()
	if artifact.Name == "" {
		artifact.Name = g.session.FileName
	}
	if err = g.artifacts.PutArtifact(ctx, artifact); err != nil {
		outcome = "store_error"
		return 0, fmt.Errorf("transfer: update artifact: %w", err)
	}
	if g.bytes != nil {
		g.bytes.Add(ctx, actualSize)
	}
	logger.Debug("transfer.commit.success", "key", key, "size", actualSize, "md5", actualSum)
	return actualSize, nil
}

func (g *Guard) discard(ctx context.Context, logger pslog.Logger, key string) {
	if err := g.blobs.DeleteObject(ctx, key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		logger.Warn("transfer.commit.discard_failed", "key", key, "error", err)
	}
}

// BlobKey is the default storage key of an artifact's content.
func BlobKey(artifactID string) string {
	return "data/" + artifactID
}

func callerID(id *store.Identity) string {
	if id == nil {
		return ""
	}
	return id.ID
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
