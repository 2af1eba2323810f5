package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dotsetgreg/recdm/pkg/bus"
	"github.com/dotsetgreg/recdm/pkg/dialogue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingHandler struct {
	mu     sync.Mutex
	seen   map[string][]int
	fail   map[string]bool
	pruned atomic.Int32
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{seen: map[string][]int{}, fail: map[string]bool{}}
}

func (h *recordingHandler) HandleTurn(ctx context.Context, sessionID, userID string, act dialogue.UserAct) (dialogue.Reply, error) {
	time.Sleep(time.Duration(act.TurnIndex%3) * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail[sessionID] {
		return dialogue.Reply{}, errors.New("store down")
	}
	h.seen[sessionID] = append(h.seen[sessionID], act.TurnIndex)
	return dialogue.Reply{SessionID: sessionID, Turn: act.TurnIndex}, nil
}

func (h *recordingHandler) Prune(ctx context.Context, idle time.Duration) (int, error) {
	h.pruned.Add(1)
	return 0, nil
}

type collector struct {
	mu  sync.Mutex
	out []bus.OutboundMessage
}

func (c *collector) handle(msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, msg)
	return nil
}

func (c *collector) messages() []bus.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.OutboundMessage(nil), c.out...)
}

func TestGatewayKeepsPerSessionOrder(t *testing.T) {
	b := bus.NewMessageBus(256)
	defer b.Close()
	h := newRecordingHandler()
	var c collector
	b.RegisterHandler("test", c.handle)

	g, err := New(b, h, Config{Workers: 3, QueueSize: 4})
	require.NoError(t, err)

	sessions := []string{"alpha", "beta", "gamma", "delta"}
	for i := 1; i <= 20; i++ {
		for _, id := range sessions {
			require.True(t, g.Submit(bus.InboundMessage{Source: "test", SessionID: id, Act: dialogue.UserAct{TurnIndex: i}}))
		}
	}
	b.CloseInbound()

	require.NoError(t, g.Run(context.Background()))

	for _, id := range sessions {
		got := h.seen[id]
		require.Len(t, got, 20, id)
		for i, turn := range got {
			assert.Equal(t, i+1, turn, "session %s out of order", id)
		}
	}
	assert.Len(t, c.messages(), 80)
}

func TestGatewayReportsTurnErrors(t *testing.T) {
	b := bus.NewMessageBus(8)
	defer b.Close()
	h := newRecordingHandler()
	h.fail["broken"] = true
	var c collector
	b.RegisterHandler("test", c.handle)

	g, err := New(b, h, Config{Workers: 2})
	require.NoError(t, err)
	g.Submit(bus.InboundMessage{Source: "test", RequestID: "r1", SessionID: "broken", Act: dialogue.UserAct{TurnIndex: 1}})
	g.Submit(bus.InboundMessage{Source: "test", RequestID: "r2", Act: dialogue.UserAct{TurnIndex: 1}})
	// no handler registered: dropped with a warning
	g.Submit(bus.InboundMessage{Source: "nowhere", SessionID: "x", Act: dialogue.UserAct{TurnIndex: 1}})
	b.CloseInbound()

	require.NoError(t, g.Run(context.Background()))

	msgs := c.messages()
	require.Len(t, msgs, 2)
	byReq := map[string]bus.OutboundMessage{}
	for _, m := range msgs {
		byReq[m.RequestID] = m
	}
	assert.Equal(t, "store down", byReq["r1"].Error)
	assert.Empty(t, byReq["r2"].Error)
	assert.NotEmpty(t, byReq["r2"].SessionID)
	assert.Equal(t, byReq["r2"].SessionID, byReq["r2"].Reply.SessionID)
}

func TestGatewayStopsOnCancel(t *testing.T) {
	b := bus.NewMessageBus(8)
	defer b.Close()
	g, err := New(b, newRecordingHandler(), Config{Workers: 2, PruneSchedule: "0 0 1 1 *"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestGatewayPrunesOnSchedule(t *testing.T) {
	b := bus.NewMessageBus(8)
	defer b.Close()
	h := newRecordingHandler()
	g, err := New(b, h, Config{Workers: 1, PruneSchedule: "* * * * *", IdleTimeout: time.Minute})
	require.NoError(t, err)
	// every computed tick is already in the past
	g.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return h.pruned.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewValidates(t *testing.T) {
	b := bus.NewMessageBus(1)
	defer b.Close()

	_, err := New(nil, newRecordingHandler(), Config{})
	assert.Error(t, err)
	_, err = New(b, newRecordingHandler(), Config{PruneSchedule: "not a cron"})
	assert.Error(t, err)

	g, err := New(b, newRecordingHandler(), Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Workers, g.cfg.Workers)
	assert.NotNil(t, g.pruner)
}

func TestShard(t *testing.T) {
	assert.Equal(t, 0, Shard("anything", 1))
	counts := make([]int, 4)
	for i := 0; i < 400; i++ {
		id := fmt.Sprintf("session-%d", i)
		s := Shard(id, 4)
		require.GreaterOrEqual(t, s, 0)
		require.Less(t, s, 4)
		assert.Equal(t, s, Shard(id, 4))
		counts[s]++
	}
	for _, n := range counts {
		assert.Greater(t, n, 0)
	}
}
