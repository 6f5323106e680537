package transfer

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// Upload field roles.
const (
	FieldDataUID    = "DATAUID"
	FieldDataFile   = "DATAFILE"
	FieldDataSize   = "DATASIZE"
	FieldDataMD5Sum = "DATAMD5SUM"
)

// maxFieldBytes caps a single non-file multipart field.
const maxFieldBytes = 1 << 20

// ErrTooLarge reports a body exceeding the configured upload cap.
var ErrTooLarge = errors.New("transfer: upload too large")

// Part is one decoded multipart field. File is set for file parts.
type Part struct {
	Name        string
	FileName    string
	ContentType string
	Value       string
	File        *Spool
}

// Request is the merged parameter set of an inbound request plus any file
// parts spooled from a multipart body.
type Request struct {
	// Params holds query, form and multipart values keyed by upper-cased name.
	Params url.Values
	Parts  []*Part
}

// Close releases spools still owned by the request.
func (r *Request) Close() {
	if r == nil {
		return
	}
	for _, p := range r.Parts {
		if p.File != nil {
			_ = p.File.Close()
			p.File = nil
		}
	}
}

// HasFile reports whether a file part is still owned by the request.
func (r *Request) HasFile() bool {
	for _, p := range r.Parts {
		if p.File != nil {
			return true
		}
	}
	return false
}

// Limits bounds request parsing.
type Limits struct {
	// MaxUpload caps the whole body; zero or less disables the cap.
	MaxUpload int64
	// SpoolMemory is the in-memory budget per file part.
	SpoolMemory int64
}

// ReadRequest merges query, urlencoded form and multipart fields. File parts
// are streamed into spools. The caller must Close the result.
func ReadRequest(w http.ResponseWriter, r *http.Request, limits Limits) (*Request, error) {
	out := &Request{Params: url.Values{}}
	mergeValues(out.Params, r.URL.Query())
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return out, nil
	}
	if limits.MaxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limits.MaxUpload)
	}
	if limits.SpoolMemory <= 0 {
		limits.SpoolMemory = DefaultSpoolMemory
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := readMultipart(r, out, limits); err != nil {
			out.Close()
			return nil, err
		}
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, classify(err)
		}
		mergeValues(out.Params, r.PostForm)
	}
	return out, nil
}

func readMultipart(r *http.Request, out *Request, limits Limits) error {
	mr, err := r.MultipartReader()
	if err != nil {
		return fmt.Errorf("transfer: multipart: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return classify(err)
		}
		name := strings.ToUpper(part.FormName())
		if name == "" {
			_ = part.Close()
			continue
		}
		p := &Part{Name: name, FileName: part.FileName(), ContentType: part.Header.Get("Content-Type")}
		if p.FileName != "" {
			spool := NewSpool(limits.SpoolMemory)
			if _, err := io.Copy(spool, part); err != nil {
				_ = spool.Close()
				_ = part.Close()
				return classify(err)
			}
			p.File = spool
		} else {
			raw, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
			if err != nil {
				_ = part.Close()
				return classify(err)
			}
			if len(raw) > maxFieldBytes {
				_ = part.Close()
				return fmt.Errorf("%w: field %s", ErrTooLarge, name)
			}
			p.Value = string(raw)
			out.Params.Add(name, p.Value)
		}
		_ = part.Close()
		out.Parts = append(out.Parts, p)
	}
}

func classify(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: limit %d bytes", ErrTooLarge, maxErr.Limit)
	}
	return fmt.Errorf("transfer: read body: %w", err)
}

func mergeValues(dst, src url.Values) {
	for k, vs := range src {
		key := strings.ToUpper(k)
		for _, v := range vs {
			dst.Add(key, v)
		}
	}
}
