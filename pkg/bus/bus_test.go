package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/recdm/pkg/dialogue"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus(4)
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		require.True(t, mb.PublishInbound(InboundMessage{SessionID: "s", Act: dialogue.UserAct{}}))
	}

	assert.False(t, mb.PublishInbound(InboundMessage{SessionID: "s"}))
	assert.Equal(t, uint64(1), mb.DroppedInbound())
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus(4)
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		require.True(t, mb.PublishOutbound(OutboundMessage{SessionID: "s"}))
	}

	assert.False(t, mb.PublishOutbound(OutboundMessage{SessionID: "s"}))
	assert.Equal(t, uint64(1), mb.DroppedOutbound())
}

func TestMessageBus_DefaultSize(t *testing.T) {
	mb := NewMessageBus(0)
	defer mb.Close()
	assert.Equal(t, DefaultBufferSize, cap(mb.inbound))
}

func TestMessageBus_StampsReceivedAt(t *testing.T) {
	mb := NewMessageBus(1)
	defer mb.Close()

	require.True(t, mb.PublishInbound(InboundMessage{SessionID: "s"}))
	msg, ok := mb.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), msg.ReceivedAt, time.Minute)
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus(1)
	mb.Close()
	mb.Close()

	_, ok := mb.ConsumeInbound(context.Background())
	assert.False(t, ok)
	_, ok = mb.SubscribeOutbound(context.Background())
	assert.False(t, ok)
	assert.False(t, mb.PublishInbound(InboundMessage{}))
	assert.False(t, mb.PublishOutbound(OutboundMessage{}))
}

func TestMessageBus_ConsumeHonoursContext(t *testing.T) {
	mb := NewMessageBus(1)
	defer mb.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := mb.ConsumeInbound(ctx)
	assert.False(t, ok)
	_, ok = mb.SubscribeOutbound(ctx)
	assert.False(t, ok)
}

func TestMessageBus_CloseInboundKeepsOutbound(t *testing.T) {
	mb := NewMessageBus(2)
	defer mb.Close()

	require.True(t, mb.PublishInbound(InboundMessage{SessionID: "s"}))
	mb.CloseInbound()
	mb.CloseInbound()
	assert.False(t, mb.PublishInbound(InboundMessage{SessionID: "late"}))

	msg, ok := mb.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, "s", msg.SessionID)
	_, ok = mb.ConsumeInbound(context.Background())
	assert.False(t, ok)

	assert.True(t, mb.PublishOutbound(OutboundMessage{SessionID: "s"}))
}

func TestMessageBus_DrainOutbound(t *testing.T) {
	mb := NewMessageBus(3)
	defer mb.Close()
	assert.Empty(t, mb.DrainOutbound())

	mb.PublishOutbound(OutboundMessage{SessionID: "a"})
	mb.PublishOutbound(OutboundMessage{SessionID: "b"})
	got := mb.DrainOutbound()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].SessionID)
	assert.Empty(t, mb.DrainOutbound())
}

func TestMessageBus_Handlers(t *testing.T) {
	mb := NewMessageBus(1)
	defer mb.Close()

	var got OutboundMessage
	mb.RegisterHandler("stdio", func(msg OutboundMessage) error {
		got = msg
		return nil
	})
	h, ok := mb.GetHandler("stdio")
	require.True(t, ok)
	require.NoError(t, h(OutboundMessage{SessionID: "s1"}))
	assert.Equal(t, "s1", got.SessionID)

	_, ok = mb.GetHandler("other")
	assert.False(t, ok)
}
