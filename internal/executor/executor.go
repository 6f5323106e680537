// Package executor runs decoded commands against the identity, artifact and
// blob stores. The dispatcher hands every built command to an Executor.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"

	"pkt.systems/gridgate/internal/rpc"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/transfer"
	"pkt.systems/gridgate/internal/xmlwire"
)

// Call is one command execution.
type Call struct {
	Command  *rpc.Command
	Identity *store.Identity
	// Upload is the channel's transfer guard for upload kinds.
	Upload *transfer.Guard
	// Raw receives streamed content for download kinds.
	Raw io.Writer
}

// Executor runs a command and returns the element to place in the response
// envelope, or nil for an empty envelope. Download kinds write to call.Raw
// and return nil.
type Executor interface {
	Execute(ctx context.Context, call *Call) (any, error)
}

// Failure codes reported inside the envelope.
const (
	CodeNotFound    = "not_found"
	CodeForbidden   = "forbidden"
	CodeInvalid     = "invalid"
	CodeUnsupported = "unsupported"
	CodeIntegrity   = "integrity"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
)

// Failure is a business-level error rendered as <error code detail>.
type Failure struct {
	Code   string
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return f.Code
	}
	return f.Code + ": " + f.Detail
}

func fail(code, format string, args ...any) *Failure {
	return &Failure{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Envelope renders err for the response body. Failures keep their code,
// transfer integrity errors map to CodeIntegrity and anything else to
// CodeInternal.
func Envelope(err error) xmlwire.Error {
	var f *Failure
	switch {
	case errors.As(err, &f):
		return xmlwire.Error{Code: f.Code, Detail: f.Detail}
	case errors.Is(err, transfer.ErrSizeMismatch), errors.Is(err, transfer.ErrChecksumMismatch):
		return xmlwire.Error{Code: CodeIntegrity, Detail: err.Error()}
	case errors.Is(err, transfer.ErrNotFound):
		return xmlwire.Error{Code: CodeNotFound, Detail: err.Error()}
	case errors.Is(err, transfer.ErrNoStagedData):
		return xmlwire.Error{Code: CodeInvalid, Detail: err.Error()}
	default:
		return xmlwire.Error{Code: CodeInternal, Detail: err.Error()}
	}
}
