package resolver

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/dotsetgreg/recdm/pkg/logger"
	"github.com/dotsetgreg/recdm/pkg/metrics"
)

// AdapterConfig tunes the guard rails around a backend Resolver.
type AdapterConfig struct {
	Name string
	// Timeout bounds each backend call. A timeout counts as unavailable.
	Timeout time.Duration
	// CacheSize is the number of cached responses; 0 disables caching.
	CacheSize int
	CacheTTL  time.Duration
	// BreakerFailures consecutive failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Adapter wraps a backend with timeout, circuit breaker, cache and result
// normalisation.
type Adapter struct {
	cfg     AdapterConfig
	backend Resolver
	breaker *gobreaker.CircuitBreaker[Response]
	cache   *expirable.LRU[string, Response]
}

// NewAdapter wraps backend. Zero config fields get defaults.
func NewAdapter(backend Resolver, cfg AdapterConfig) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "catalog"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	a := &Adapter{cfg: cfg, backend: backend}
	if cfg.CacheSize > 0 {
		a.cache = expirable.NewLRU[string, Response](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	a.breaker = gobreaker.NewCircuitBreaker[Response](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordBreakerState(name, to.String())
			logger.WarnCF("resolver", "Circuit breaker state changed", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
		// A caller that gave up says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	metrics.RecordBreakerState(cfg.Name, gobreaker.StateClosed.String())
	return a
}

// Resolve queries the backend. Every failure except cancellation of ctx
// itself is reported as ErrUnavailable.
func (a *Adapter) Resolve(ctx context.Context, req Request) (Response, error) {
	key := requestKey(req)
	if a.cache != nil {
		if resp, ok := a.cache.Get(key); ok {
			metrics.RecordResolverCall("cache_hit", 0)
			return copyResponse(resp), nil
		}
	}

	start := time.Now()
	resp, err := a.breaker.Execute(func() (Response, error) {
		return a.call(ctx, req)
	})
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			metrics.RecordResolverCall("canceled", elapsed)
			return Response{}, fmt.Errorf("resolve: %w", ctx.Err())
		}
		outcome := "error"
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			outcome = "open"
		case errors.Is(err, context.DeadlineExceeded):
			outcome = "timeout"
		}
		metrics.RecordResolverCall(outcome, elapsed)
		logger.WarnCF("resolver", "Resolver call failed", map[string]interface{}{
			"outcome":     outcome,
			"error":       err.Error(),
			"duration_ms": elapsed.Milliseconds(),
		})
		if errors.Is(err, ErrUnavailable) {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	metrics.RecordResolverCall("ok", elapsed)
	resp = Normalize(resp, req.ExcludeIDs, req.Limit)
	if a.cache != nil {
		a.cache.Add(key, copyResponse(resp))
	}
	return resp, nil
}

// call runs the backend under the configured timeout. The backend runs in its
// own goroutine so one that ignores ctx still cannot stall the turn.
func (a *Adapter) call(ctx context.Context, req Request) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := a.backend.Resolve(callCtx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-callCtx.Done():
		return Response{}, callCtx.Err()
	}
}

// State returns the breaker state name.
func (a *Adapter) State() string { return a.breaker.State().String() }

// requestKey is a canonical digest of the request: constraint and exclude
// order do not matter.
func requestKey(req Request) string {
	parts := make([]string, 0, len(req.Constraints))
	for _, c := range req.Constraints {
		parts = append(parts, string(c.Polarity)+":"+string(c.Operator)+":"+c.Key())
	}
	sort.Strings(parts)
	excl := append([]string(nil), req.ExcludeIDs...)
	sort.Strings(excl)

	h := sha1.New()
	h.Write([]byte(strings.Join(parts, "|")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(excl, "|")))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(req.Limit)))
	return hex.EncodeToString(h.Sum(nil))
}

func copyResponse(r Response) Response {
	out := Response{TotalMatched: r.TotalMatched, Candidates: make([]Candidate, len(r.Candidates))}
	copy(out.Candidates, r.Candidates)
	return out
}
