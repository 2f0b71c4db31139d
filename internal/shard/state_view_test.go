package shard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sharding-experiment/crossshard/internal/protocol"
	"github.com/sharding-experiment/crossshard/internal/state"
	"github.com/stretchr/testify/require"
)

func newTestView(t *testing.T, keys ...protocol.StateKey) (*CrossShardStateView, *state.MemoryStore) {
	t.Helper()
	base := state.NewMemoryStore()
	waits := make([]protocol.WaitKey, 0, len(keys))
	for _, k := range keys {
		waits = append(waits, protocol.WaitKey{Producer: 0, Key: k})
	}
	view, err := NewCrossShardStateView(1, waits, base)
	require.NoError(t, err)
	return view, base
}

func TestStateView_LocalKeysNeverBlock(t *testing.T) {
	local := slotKey("local")
	view, base := newTestView(t, slotKey("remote"))
	base.Set(local, protocol.StateValue{0x07})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, ok, err := view.GetValue(ctx, local)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, protocol.StateValue{0x07}, v)

	_, ok, err = view.GetValue(ctx, slotKey("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStateView_BlocksUntilResolved(t *testing.T) {
	k := slotKey("k")
	view, base := newTestView(t, k)
	base.Set(k, protocol.StateValue{0x01}) // stale base value must not leak through

	got := make(chan protocol.StateValue, 1)
	go func() {
		v, _, _ := view.GetValue(context.Background(), k)
		got <- v
	}()

	select {
	case <-got:
		t.Fatal("read of an unresolved key returned early")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, view.SetValue(k, protocol.StateValue{0x02}, true))
	select {
	case v := <-got:
		require.Equal(t, protocol.StateValue{0x02}, v)
	case <-time.After(time.Second):
		t.Fatal("reader not released by SetValue")
	}
}

func TestStateView_BroadcastToAllWaiters(t *testing.T) {
	const readers = 16
	k := slotKey("k")
	view, _ := newTestView(t, k)

	var wg sync.WaitGroup
	results := make(chan protocol.StateValue, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := view.GetValue(context.Background(), k)
			if err == nil && ok {
				results <- v
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, view.SetValue(k, protocol.StateValue{0xbe, 0xef}, true))
	wg.Wait()
	close(results)

	count := 0
	for v := range results {
		require.Equal(t, protocol.StateValue{0xbe, 0xef}, v)
		count++
	}
	require.Equal(t, readers, count)
}

func TestStateView_AbsentDistinctFromEmpty(t *testing.T) {
	absent, empty := slotKey("absent"), slotKey("empty")
	view, _ := newTestView(t, absent, empty)

	require.NoError(t, view.SetValue(absent, nil, false))
	require.NoError(t, view.SetValue(empty, protocol.StateValue{}, true))

	_, ok, err := view.GetValue(context.Background(), absent)
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := view.GetValue(context.Background(), empty)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, v)

	st, _ := view.State(absent)
	require.Equal(t, CellAbsent, st)
	st, _ = view.State(empty)
	require.Equal(t, CellPresent, st)
}

func TestStateView_StableAfterResolution(t *testing.T) {
	k := slotKey("k")
	view, _ := newTestView(t, k)
	require.NoError(t, view.SetValue(k, protocol.StateValue{0x09}, true))

	for i := 0; i < 100; i++ {
		v, ok, err := view.GetValue(context.Background(), k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, protocol.StateValue{0x09}, v)
	}
}

func TestStateView_DoubleResolutionIsFatal(t *testing.T) {
	k := slotKey("k")
	view, _ := newTestView(t, k)
	require.NoError(t, view.SetValue(k, protocol.StateValue{0x01}, true))

	err := view.SetValue(k, protocol.StateValue{0x02}, true)
	require.True(t, errors.Is(err, ErrDoubleResolution))
	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, k, fe.Key)

	v, _, _ := view.GetValue(context.Background(), k)
	require.Equal(t, protocol.StateValue{0x01}, v, "second resolution must not overwrite")
}

func TestStateView_UndeclaredKey(t *testing.T) {
	view, _ := newTestView(t, slotKey("k"))
	err := view.SetValue(slotKey("other"), nil, false)
	require.True(t, errors.Is(err, ErrUndeclaredKey))
}

func TestStateView_AbortReleasesReaders(t *testing.T) {
	k := slotKey("k")
	view, _ := newTestView(t, k)

	errc := make(chan error, 1)
	go func() {
		_, _, err := view.GetValue(context.Background(), k)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	view.Abort(errors.New("receiver failed"))

	select {
	case err := <-errc:
		require.True(t, errors.Is(err, ErrRoundAborted))
	case <-time.After(time.Second):
		t.Fatal("abort did not release the blocked reader")
	}
	require.True(t, view.Aborted())
}

func TestStateView_ContextCancel(t *testing.T) {
	k := slotKey("k")
	view, _ := newTestView(t, k)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := view.GetValue(ctx, k)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewCrossShardStateView_ConflictingProducers(t *testing.T) {
	k := slotKey("k")
	_, err := NewCrossShardStateView(2, []protocol.WaitKey{
		{Producer: 0, Key: k},
		{Producer: 1, Key: k},
	}, state.NewMemoryStore())
	require.True(t, errors.Is(err, ErrInvalidEdge))

	view, err := NewCrossShardStateView(2, []protocol.WaitKey{
		{Producer: 0, Key: k},
		{Producer: 0, Key: k},
	}, state.NewMemoryStore())
	require.NoError(t, err)
	require.Equal(t, 1, view.NumUnresolved())
}
