package memdb

import (
	"testing"

	"github.com/zapmesh/zapmesh/store"
	"github.com/zapmesh/zapmesh/store/storetest"
)

func TestMemDBSemantics(t *testing.T) {
	storetest.RunAll(t, func(t *testing.T) store.Store {
		return NewStore()
	})
}
