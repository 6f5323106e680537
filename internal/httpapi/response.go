package httpapi

import (
	"bytes"
	"context"
	"mime"
	"net/http"
	"strconv"

	"pkt.systems/gridgate/internal/gate"
	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/xmlwire"
)

// responder writes one exchange's answer: an XML envelope or raw bytes.
type responder struct {
	w      http.ResponseWriter
	ticket *gate.Ticket
	raw    int64
	sent   bool
}

func newResponder(w http.ResponseWriter, ticket *gate.Ticket) *responder {
	return &responder{w: w, ticket: ticket}
}

// WriteResult sends body inside the envelope with status 200 and releases
// the gate, also when writing fails.
func (rw *responder) WriteResult(ctx context.Context, body any) error {
	defer rw.release()
	var buf bytes.Buffer
	if err := xmlwire.WriteEnvelope(&buf, body); err != nil {
		loggingutil.FromContext(ctx).Warn("http.response.encode_failed", "error", err)
	}
	rw.w.Header().Set("Content-Type", xmlwire.ContentType)
	rw.w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	rw.w.WriteHeader(http.StatusOK)
	rw.sent = true
	if _, err := rw.w.Write(buf.Bytes()); err != nil {
		loggingutil.FromContext(ctx).Debug("http.response.write_failed", "error", err)
		return err
	}
	return nil
}

// writeDownloadHeaders describes the artifact about to be streamed. Nothing
// here fails the request.
func (rw *responder) writeDownloadHeaders(ctx context.Context, a *store.Artifact) {
	h := rw.w.Header()
	h.Set("Content-Type", storage.ContentTypeOctetStream)
	if a == nil {
		return
	}
	logger := loggingutil.FromContext(ctx)
	if a.Type != "" {
		h.Set("Content-Type", a.Type)
	}
	if a.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(a.Size, 10))
	} else {
		logger.Debug("http.download.headers.size_unknown", "artifact_id", a.ID)
	}
	if a.Checksum != "" {
		h.Set("Content-MD5", a.Checksum)
	}
	if a.Name != "" {
		disposition := mime.FormatMediaType("attachment", map[string]string{"filename": a.Name})
		if disposition == "" {
			logger.Debug("http.download.headers.bad_filename", "artifact_id", a.ID)
			disposition = "attachment"
		}
		h.Set("Content-Disposition", disposition)
	}
	if !a.ModifiedAt.IsZero() {
		h.Set("Last-Modified", a.ModifiedAt.UTC().Format(http.TimeFormat))
	} else {
		logger.Debug("http.download.headers.mtime_unknown", "artifact_id", a.ID)
	}
}

func (rw *responder) clearDownloadHeaders() {
	for _, k := range []string{"Content-Type", "Content-Length", "Content-MD5", "Content-Disposition", "Last-Modified"} {
		rw.w.Header().Del(k)
	}
}

// Raw returns the sink for streamed content. It never releases the gate.
func (rw *responder) Raw() *rawWriter { return &rawWriter{rw: rw} }

type rawWriter struct{ rw *responder }

func (r *rawWriter) Write(p []byte) (int, error) {
	r.rw.sent = true
	n, err := r.rw.w.Write(p)
	r.rw.raw += int64(n)
	return n, err
}

// written reports bytes streamed through Raw.
func (rw *responder) written() int64 { return rw.raw }

func (rw *responder) release() {
	if rw.ticket != nil {
		rw.ticket.Release()
	}
}

// writeStatus answers with a non-envelope status.
func writeStatus(w http.ResponseWriter, err httpError) {
	if err.Location != "" {
		w.Header().Set("Location", err.Location)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(err.Status)
	_, _ = w.Write([]byte(err.Error() + "\n"))
}
