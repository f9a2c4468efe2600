package observer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medidrop/internal/modules/broadcast"
	"medidrop/internal/types"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu        sync.Mutex
	current   *broadcast.Broadcast
	push      chan *broadcast.Broadcast
	watchErr  error
	fetches   atomic.Int32
	escalates atomic.Int32
}

func (f *fakeTransport) set(b *broadcast.Broadcast) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = b
}

func (f *fakeTransport) Fetch(context.Context, types.ID) (*broadcast.Broadcast, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, ErrNotFound
	}
	cp := f.current.Clone()
	return &cp, nil
}

func (f *fakeTransport) Escalate(context.Context) error {
	f.escalates.Add(1)
	return nil
}

func (f *fakeTransport) Watch(context.Context, types.ID) (<-chan *broadcast.Broadcast, error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return f.push, nil
}

func snapshot(version int, status broadcast.Status) *broadcast.Broadcast {
	return &broadcast.Broadcast{
		ID:        "b1",
		Kind:      broadcast.KindDelivery,
		Status:    status,
		Phase:     broadcast.PhaseControlledParallel,
		Version:   version,
		TimeoutAt: t0.Add(3 * time.Minute),
	}
}

func TestReconcileOnlyMovesForward(t *testing.T) {
	o := New(&fakeTransport{}, "b1", Config{}, nil)
	o.now = func() time.Time { return t0.Add(time.Minute) }

	o.reconcile(snapshot(3, broadcast.StatusSearching))
	o.reconcile(snapshot(2, broadcast.StatusSearching))
	o.reconcile(&broadcast.Broadcast{ID: "other", Version: 9})

	v := o.View()
	assert.Equal(t, 3, v.Version)
	assert.Equal(t, broadcast.StatusSearching, v.Status)
	assert.Equal(t, 2*time.Minute, v.TimeLeft)
}

func TestViewBeforeFirstSnapshotIsSearching(t *testing.T) {
	o := New(&fakeTransport{}, "b1", Config{}, nil)
	v := o.View()
	assert.Equal(t, broadcast.StatusSearching, v.Status)
	assert.Equal(t, types.ID("b1"), v.BroadcastID)
}

func TestTerminalHandledOnce(t *testing.T) {
	var calls atomic.Int32
	o := New(&fakeTransport{}, "b1", Config{OnResolved: func(View) { calls.Add(1) }}, nil)

	winner := types.ID("dp1")
	accepted := snapshot(4, broadcast.StatusAccepted)
	accepted.AcceptedByID = &winner

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.reconcile(accepted)
		}()
	}
	wg.Wait()
	o.reconcile(snapshot(5, broadcast.StatusAccepted))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, time.Duration(0), o.View().TimeLeft)
	select {
	case <-o.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestCallbacksSerializedAndStopAtTerminal(t *testing.T) {
	var (
		inFlight atomic.Int32
		overlap  atomic.Bool
		mu       sync.Mutex
		seen     []int
	)
	o := New(&fakeTransport{}, "b1", Config{
		OnChange: func(v View) {
			if inFlight.Add(1) > 1 {
				overlap.Store(true)
			}
			defer inFlight.Add(-1)
			time.Sleep(time.Millisecond)
			mu.Lock()
			seen = append(seen, v.Version)
			mu.Unlock()
		},
	}, nil)

	var wg sync.WaitGroup
	for v := 1; v <= 20; v++ {
		status := broadcast.StatusSearching
		if v == 12 {
			status = broadcast.StatusFailed
		}
		wg.Add(1)
		go func(b *broadcast.Broadcast) {
			defer wg.Done()
			o.reconcile(b)
		}(snapshot(v, status))
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
	assert.LessOrEqual(t, seen[len(seen)-1], 12)
	assert.LessOrEqual(t, o.View().Version, 12)
}

func TestNoChangeAfterResolved(t *testing.T) {
	var changes []int
	o := New(&fakeTransport{}, "b1", Config{OnChange: func(v View) { changes = append(changes, v.Version) }}, nil)

	o.reconcile(snapshot(3, broadcast.StatusFailed))
	o.reconcile(snapshot(4, broadcast.StatusSearching))

	assert.Equal(t, []int{3}, changes)
	assert.Equal(t, broadcast.StatusFailed, o.View().Status)
}

func TestPushAndPollConvergeOnOutcome(t *testing.T) {
	ft := &fakeTransport{push: make(chan *broadcast.Broadcast, 1)}
	ft.set(snapshot(1, broadcast.StatusSearching))

	var resolved atomic.Value
	o := New(ft, "b1", Config{
		PollInterval:    10 * time.Millisecond,
		TriggerInterval: 10 * time.Millisecond,
		OnResolved:      func(v View) { resolved.Store(v) },
	}, nil)
	o.Start(context.Background())
	defer o.Close()

	failed := snapshot(6, broadcast.StatusFailed)
	failed.FailureReason = broadcast.ReasonTimeout
	ft.set(failed)
	ft.push <- failed

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("observer never resolved")
	}
	v, ok := resolved.Load().(View)
	require.True(t, ok)
	assert.Equal(t, broadcast.StatusFailed, v.Status)
	assert.Equal(t, broadcast.ReasonTimeout, v.FailureReason)
}

func TestPollFallbackAndTriggerWithoutPush(t *testing.T) {
	ft := &fakeTransport{watchErr: errors.New("no websocket")}
	ft.set(snapshot(1, broadcast.StatusSearching))

	o := New(ft, "b1", Config{PollInterval: 5 * time.Millisecond, TriggerInterval: 5 * time.Millisecond}, nil)
	o.Start(context.Background())

	require.Eventually(t, func() bool { return ft.escalates.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	ft.set(snapshot(2, broadcast.StatusSearching))
	require.Eventually(t, func() bool { return o.View().Version == 2 }, 2*time.Second, 5*time.Millisecond)

	o.Close()
	fetches, escalates := ft.fetches.Load(), ft.escalates.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, fetches, ft.fetches.Load())
	assert.Equal(t, escalates, ft.escalates.Load())
}

func TestHTTPTransportAgainstServer(t *testing.T) {
	var (
		mu        sync.Mutex
		escalated int
		auth      string
	)
	upgrader := websocket.Upgrader{}
	current := snapshot(1, broadcast.StatusSearching)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/broadcasts/b1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(current)
	})
	mux.HandleFunc("/api/broadcasts/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("/api/escalations/run", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		escalated++
		mu.Unlock()
		_, _ = w.Write([]byte(`{"advanced":0,"skipped":0,"failed":0}`))
	})
	mux.HandleFunc("/api/broadcasts/b1/watch", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		winner := types.ID("dp2")
		accepted := snapshot(3, broadcast.StatusAccepted)
		accepted.AcceptedByID = &winner
		_ = conn.WriteJSON(snapshot(2, broadcast.StatusSearching))
		_ = conn.WriteJSON(accepted)
		_, _, _ = conn.ReadMessage()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL+"/", "tok")
	ctx := context.Background()

	b, err := tr.Fetch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Version)
	mu.Lock()
	assert.Equal(t, "Bearer tok", auth)
	mu.Unlock()

	_, err = tr.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, tr.Escalate(ctx))
	mu.Lock()
	assert.Equal(t, 1, escalated)
	mu.Unlock()

	o := New(tr, "b1", Config{PollInterval: time.Hour, TriggerInterval: time.Hour}, nil)
	o.Start(ctx)
	defer o.Close()

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("observer never resolved")
	}
	v := o.View()
	assert.Equal(t, broadcast.StatusAccepted, v.Status)
	require.NotNil(t, v.AcceptedByID)
	assert.Equal(t, types.ID("dp2"), *v.AcceptedByID)
}
