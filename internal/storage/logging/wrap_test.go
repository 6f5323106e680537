package logging_test

import (
	"context"
	"io"
	"testing"

	"pkt.systems/gridgate/internal/storage/logging"
	"pkt.systems/gridgate/internal/storage/memory"
	"pkt.systems/gridgate/internal/storage/storagetest"
	"pkt.systems/pslog"
)

func TestWrappedBackendBehavesLikeInner(t *testing.T) {
	logger := pslog.NewStructured(context.Background(), io.Discard)
	storagetest.Run(t, logging.Wrap(memory.New(), logger, "storage.test"))
}
