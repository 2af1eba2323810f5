// Package bus decouples turn producers (stdin, sockets) from the gateway
// workers with two bounded queues.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/recdm/pkg/logger"
	"github.com/dotsetgreg/recdm/pkg/metrics"
)

const (
	DefaultBufferSize = 100
	publishTimeout    = 100 * time.Millisecond
)

type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	handlers map[string]MessageHandler
	inClosed bool
	closed   bool
	dropped  droppedCounters
	mu       sync.RWMutex
}

type droppedCounters struct {
	inbound  atomic.Uint64
	outbound atomic.Uint64
}

// NewMessageBus creates a bus whose queues hold size messages each.
func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
		handlers: make(map[string]MessageHandler),
	}
}

// PublishInbound queues a turn. It waits briefly on a full queue and drops
// the message afterwards; it reports whether the message was queued.
func (mb *MessageBus) PublishInbound(msg InboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.inClosed || mb.closed {
		return false
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	select {
	case mb.inbound <- msg:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.inbound <- msg:
		case <-timer.C:
			mb.dropped.inbound.Add(1)
			logger.WarnCF("bus", "Inbound queue full, dropping turn", map[string]interface{}{
				"session_id": msg.SessionID,
				"source":     msg.Source,
			})
			return false
		}
	}
	metrics.GatewayQueueDepth.Set(float64(len(mb.inbound)))
	return true
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		if !ok {
			return InboundMessage{}, false
		}
		metrics.GatewayQueueDepth.Set(float64(len(mb.inbound)))
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}

	select {
	case mb.outbound <- msg:
		return true
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.outbound <- msg:
			return true
		case <-timer.C:
			mb.dropped.outbound.Add(1)
			logger.WarnCF("bus", "Outbound queue full, dropping reply", map[string]interface{}{
				"session_id": msg.SessionID,
				"source":     msg.Source,
			})
			return false
		}
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		if !ok {
			return OutboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// DrainOutbound returns the replies queued right now without waiting.
func (mb *MessageBus) DrainOutbound() []OutboundMessage {
	var out []OutboundMessage
	for {
		select {
		case msg, ok := <-mb.outbound:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

// RegisterHandler routes outbound messages of source to handler.
func (mb *MessageBus) RegisterHandler(source string, handler MessageHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[source] = handler
}

func (mb *MessageBus) GetHandler(source string) (MessageHandler, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	handler, ok := mb.handlers[source]
	return handler, ok
}

// CloseInbound stops accepting turns. Queued turns are still consumed and
// their replies can still be published.
func (mb *MessageBus) CloseInbound() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.inClosed || mb.closed {
		return
	}
	mb.inClosed = true
	close(mb.inbound)
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	if !mb.inClosed {
		mb.inClosed = true
		close(mb.inbound)
	}
	close(mb.outbound)
}

func (mb *MessageBus) DroppedInbound() uint64 {
	return mb.dropped.inbound.Load()
}

func (mb *MessageBus) DroppedOutbound() uint64 {
	return mb.dropped.outbound.Load()
}
