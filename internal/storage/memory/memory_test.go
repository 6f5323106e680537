package memory

import (
	"testing"

	"pkt.systems/gridgate/internal/storage/storagetest"
)

func TestMemoryBackend(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	storagetest.Run(t, store)
	if store.Len() != 2 {
		t.Fatalf("expected two surviving objects, got %d", store.Len())
	}
}
