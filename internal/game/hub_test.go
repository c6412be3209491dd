package game

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	failing bool
	block   chan struct{}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, raw := range f.frames {
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			out = append(out, msg.Type)
		}
	}
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub("test")
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func TestHub_FansOutToEveryClient(t *testing.T) {
	hub := runHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	hub.RegisterClient(a, "a")
	hub.RegisterClient(b, "b")
	require.Eventually(t, func() bool { return hub.GetClientCount() == 2 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(WSMessage{Type: "tick", Data: Snapshot{RoundID: 1, State: RoundActive, Multiplier: dec("1.25")}})

	for _, conn := range []*fakeConn{a, b} {
		conn := conn
		require.Eventually(t, func() bool { return len(conn.types()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"tick"}, conn.types())
	}
}

func TestHub_SendReachesOnlyThatClient(t *testing.T) {
	hub := runHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	ca := hub.RegisterClient(a, "a")
	hub.RegisterClient(b, "b")

	ca.Send(WSMessage{Type: "initial_state"})

	require.Eventually(t, func() bool { return len(a.types()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, b.types())
}

func TestHub_UnregisterClosesConnection(t *testing.T) {
	hub := runHub(t)
	conn := &fakeConn{}
	c := hub.RegisterClient(conn, "a")
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.UnregisterClient(c)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, conn.isClosed())

	// A second unregister is a no-op.
	hub.UnregisterClient(c)
}

func TestHub_SlowClientIsDisconnected(t *testing.T) {
	hub := runHub(t)
	stuck := &fakeConn{block: make(chan struct{})}
	defer close(stuck.block)
	fast := &fakeConn{}
	hub.RegisterClient(stuck, "stuck")
	hub.RegisterClient(fast, "fast")
	require.Eventually(t, func() bool { return hub.GetClientCount() == 2 }, time.Second, 5*time.Millisecond)

	for i := 0; i < clientQueue+8; i++ {
		hub.Broadcast(WSMessage{Type: "tick"})
		time.Sleep(time.Millisecond)
	}

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(fast.types()) == clientQueue+8 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_WriteErrorClosesClient(t *testing.T) {
	hub := runHub(t)
	conn := &fakeConn{failing: true}
	c := hub.RegisterClient(conn, "a")

	c.Send(WSMessage{Type: "pong"})
	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	hub := NewHub("idle")

	// Nothing drains the queue, so it fills and the rest are dropped.
	for i := 0; i < hubQueue; i++ {
		hub.Broadcast(WSMessage{Type: "tick"})
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(WSMessage{Type: "overflow"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Broadcast blocked on a full queue")
	}
}

func TestHub_StopClosesClientsAndIsIdempotent(t *testing.T) {
	hub := NewHub("test")
	exited := make(chan struct{})
	go func() {
		hub.Run()
		close(exited)
	}()
	conn := &fakeConn{}
	hub.RegisterClient(conn, "a")

	hub.Stop()
	hub.Stop()

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.True(t, conn.isClosed())

	// Registering after stop must not hang.
	late := &fakeConn{}
	hub.RegisterClient(late, "late")
	assert.True(t, late.isClosed())
}

func BenchmarkHub_Broadcast(b *testing.B) {
	hub := NewHub("bench")
	go hub.Run()
	defer hub.Stop()
	for i := 0; i < 16; i++ {
		hub.RegisterClient(&fakeConn{}, "bench")
	}

	msg := WSMessage{Type: "tick", Data: Snapshot{RoundID: 1, State: RoundActive, Multiplier: dec("2.00")}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.Broadcast(msg)
	}
}
