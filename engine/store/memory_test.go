package store_test

import (
	"testing"

	"github.com/warp/registration-engine/engine"
	"github.com/warp/registration-engine/engine/store"
	"github.com/warp/registration-engine/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Store { return store.NewMemory() })
}
