package inmem

import (
	"testing"

	"github.com/micromdm/nanoflow/subsystem/contact/storage"
	"github.com/micromdm/nanoflow/subsystem/contact/storage/test"
)

func TestInMem(t *testing.T) {
	test.TestStorage(t, func() storage.Storage { return New() })
}
