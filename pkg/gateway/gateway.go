// Package gateway drains the inbound bus into a fixed pool of workers. Each
// session id hashes onto one worker, so turns of a session run in arrival
// order while different sessions proceed in parallel.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/recdm/pkg/bus"
	"github.com/dotsetgreg/recdm/pkg/dialogue"
	"github.com/dotsetgreg/recdm/pkg/logger"
)

// TurnHandler runs one turn against a persisted session.
// *dialogue.Manager implements it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, sessionID, userID string, act dialogue.UserAct) (dialogue.Reply, error)
}

// Pruner deletes sessions idle for longer than idle.
type Pruner interface {
	Prune(ctx context.Context, idle time.Duration) (int, error)
}

type Config struct {
	Workers   int
	QueueSize int
	// TurnTimeout bounds one HandleTurn call; 0 disables it.
	TurnTimeout time.Duration
	// PruneSchedule is a cron expression; empty disables pruning.
	PruneSchedule string
	IdleTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     16,
		TurnTimeout:   10 * time.Second,
		PruneSchedule: "*/5 * * * *",
		IdleTimeout:   30 * time.Minute,
	}
}

type Gateway struct {
	cfg     Config
	bus     *bus.MessageBus
	handler TurnHandler
	pruner  Pruner
	now     func() time.Time
}

func New(b *bus.MessageBus, handler TurnHandler, cfg Config) (*Gateway, error) {
	if b == nil || handler == nil {
		return nil, fmt.Errorf("gateway: bus and handler are required")
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.PruneSchedule != "" && !gronx.New().IsValid(cfg.PruneSchedule) {
		return nil, fmt.Errorf("gateway: invalid prune schedule %q", cfg.PruneSchedule)
	}
	g := &Gateway{cfg: cfg, bus: b, handler: handler, now: time.Now}
	if p, ok := handler.(Pruner); ok {
		g.pruner = p
	}
	return g, nil
}

// SetPruner overrides the pruner taken from the handler.
func (g *Gateway) SetPruner(p Pruner) { g.pruner = p }

// Submit queues a turn on the bus.
func (g *Gateway) Submit(msg bus.InboundMessage) bool {
	return g.bus.PublishInbound(msg)
}

// Run processes turns until ctx is cancelled or the bus is closed and every
// queued turn has been answered.
func (g *Gateway) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	idleCtx, idle := context.WithCancel(egCtx)
	defer idle()

	queues := make([]chan bus.InboundMessage, g.cfg.Workers)
	var workers sync.WaitGroup
	for i := range queues {
		q := make(chan bus.InboundMessage, g.cfg.QueueSize)
		queues[i] = q
		workers.Add(1)
		id := i
		eg.Go(func() error {
			defer workers.Done()
			return g.work(egCtx, id, q)
		})
	}
	eg.Go(func() error {
		workers.Wait()
		idle()
		return nil
	})
	eg.Go(func() error { return g.dispatch(egCtx, queues) })
	eg.Go(func() error { return g.deliver(idleCtx) })
	if g.cfg.PruneSchedule != "" && g.pruner != nil {
		eg.Go(func() error { return g.pruneLoop(idleCtx) })
	}

	logger.InfoCF("gateway", "Gateway started", map[string]interface{}{
		"workers":        g.cfg.Workers,
		"prune_schedule": g.cfg.PruneSchedule,
	})
	err := eg.Wait()
	logger.InfoC("gateway", "Gateway stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// dispatch routes inbound turns to the worker owning their session.
func (g *Gateway) dispatch(ctx context.Context, queues []chan bus.InboundMessage) error {
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()
	for {
		msg, ok := g.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		if msg.SessionID == "" {
			msg.SessionID = uuid.NewString()
		}
		q := queues[Shard(msg.SessionID, len(queues))]
		select {
		case q <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *Gateway) work(ctx context.Context, id int, q <-chan bus.InboundMessage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-q:
			if !ok {
				return nil
			}
			g.handle(ctx, id, msg)
		}
	}
}

func (g *Gateway) handle(ctx context.Context, worker int, msg bus.InboundMessage) {
	turnCtx := ctx
	if g.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, g.cfg.TurnTimeout)
		defer cancel()
	}

	out := bus.OutboundMessage{
		Source:    msg.Source,
		RequestID: msg.RequestID,
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
	}
	reply, err := g.handler.HandleTurn(turnCtx, msg.SessionID, msg.UserID, msg.Act)
	// A failed turn may still carry the reply that was saved.
	out.Reply = reply
	if err != nil {
		out.Error = err.Error()
		logger.WarnCF("gateway", "Turn failed", map[string]interface{}{
			"worker":     worker,
			"session_id": msg.SessionID,
			"error":      err.Error(),
		})
	}
	g.bus.PublishOutbound(out)
}

// deliver hands replies to the handler registered for their source until
// ctx ends, then flushes what is still queued.
func (g *Gateway) deliver(ctx context.Context) error {
	for {
		msg, ok := g.bus.SubscribeOutbound(ctx)
		if !ok {
			break
		}
		g.deliverOne(msg)
	}
	for _, msg := range g.bus.DrainOutbound() {
		g.deliverOne(msg)
	}
	return nil
}

func (g *Gateway) deliverOne(msg bus.OutboundMessage) {
	handler, ok := g.bus.GetHandler(msg.Source)
	if !ok {
		logger.WarnCF("gateway", "No handler for reply source", map[string]interface{}{
			"source":     msg.Source,
			"session_id": msg.SessionID,
		})
		return
	}
	if err := handler(msg); err != nil {
		logger.ErrorCF("gateway", "Reply delivery failed", map[string]interface{}{
			"source":     msg.Source,
			"session_id": msg.SessionID,
			"error":      err.Error(),
		})
	}
}

func (g *Gateway) pruneLoop(ctx context.Context) error {
	for {
		next, err := gronx.NextTickAfter(g.cfg.PruneSchedule, g.now(), false)
		if err != nil {
			return fmt.Errorf("prune schedule: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := g.pruner.Prune(ctx, g.cfg.IdleTimeout); err != nil {
			logger.WarnCF("gateway", "Idle session prune failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// Shard maps a session id onto one of n workers.
func Shard(sessionID string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(sessionID) % uint64(n))
}
