package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledCollectorNoops(t *testing.T) {
	c, err := New(&Config{Enabled: false})
	require.NoError(t, err)
	c.RecordOperation("Lookup", time.Millisecond, 10, nil)
	c.RecordCacheHit()
	c.SetCacheSize(100)
	c.RecordUpload(time.Second)
	c.RecordError("Delete", "transient")
}

func TestEnabledCollectorRecordsWithoutPanicking(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)
	c.RecordOperation("Lookup", 5*time.Millisecond, 4096, nil)
	c.RecordOperation("Lookup", 5*time.Millisecond, 0, errFake{})
	c.RecordCacheHit()
	c.RecordCacheMiss()
	c.SetCacheSize(1 << 20)
	c.SetDirtyBlocks(3)
	c.RecordUpload(250 * time.Millisecond)
	c.RecordError("OpenWrite", "transient")
}

type errFake struct{}

func (errFake) Error() string { return "fake" }
