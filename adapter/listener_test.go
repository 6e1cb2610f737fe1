package adapter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenerListFanOutPreservesRegistrationOrder(t *testing.T) {
	var l listenerList[int]
	for i := 0; i < 5; i++ {
		l.add(i)
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, l.snapshot())
}

// TestListenerListSnapshotIsolatedFromConcurrentAdd verifies the
// copy-on-write contract: a snapshot taken mid-fan-out must not observe a
// listener registered after the snapshot was captured.
func TestListenerListSnapshotIsolatedFromConcurrentAdd(t *testing.T) {
	var l listenerList[string]
	l.add("first")

	snap := l.snapshot()
	l.add("second")

	require.Equal(t, []string{"first"}, snap)
	require.Equal(t, []string{"first", "second"}, l.snapshot())
}

func TestListenerListConcurrentAddNeverDropsAListener(t *testing.T) {
	var l listenerList[int]
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.add(i)
		}(i)
	}
	wg.Wait()
	require.Len(t, l.snapshot(), 50)
}

func TestListenerListClearEmptiesSnapshot(t *testing.T) {
	var l listenerList[int]
	l.add(1)
	l.add(2)
	l.clear()
	require.Empty(t, l.snapshot())
	l.add(3)
	require.Equal(t, []int{3}, l.snapshot())
}

func TestNoopAdapterListenerDefaultsAllowDeviceFound(t *testing.T) {
	var n NoopAdapterListener
	require.True(t, n.DeviceFound(nil))
}

func TestDeviceStateStringCoversEveryState(t *testing.T) {
	for s := StateDiscovered; s <= StateRemoved; s++ {
		require.NotEqual(t, "Unknown", s.String())
	}
	require.Equal(t, "Unknown", DeviceState(0xFF).String())
}
