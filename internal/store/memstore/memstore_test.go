package memstore

import (
	"testing"

	"pkt.systems/gridgate/internal/store/storetest"
)

func TestMemStore(t *testing.T) {
	storetest.Run(t, New())
}
