package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotsetgreg/recdm/pkg/bus"
	"github.com/dotsetgreg/recdm/pkg/gateway"
	"github.com/dotsetgreg/recdm/pkg/logger"
)

const stdioSource = "stdio"

// lineWriter writes one JSON document per line; handlers on different
// workers share it.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(w)}
}

func (w *lineWriter) write(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

func gatewayConfig(a *app) gateway.Config {
	return gateway.Config{
		Workers:       a.cfg.Gateway.Workers,
		QueueSize:     a.cfg.Gateway.QueueSize,
		TurnTimeout:   a.cfg.TurnTimeout(),
		PruneSchedule: a.cfg.Gateway.PruneSchedule,
		IdleTimeout:   a.cfg.IdleTimeout(),
	}
}

// runServe reads InboundMessage JSON lines from in, runs them through the
// gateway and writes one OutboundMessage line per turn to out. It returns
// once in is exhausted and every queued turn has been answered, or when ctx
// is cancelled.
func runServe(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	b := bus.NewMessageBus(a.cfg.Gateway.BusSize)
	defer b.Close()

	writer := newLineWriter(out)
	b.RegisterHandler(stdioSource, func(msg bus.OutboundMessage) error {
		return writer.write(msg)
	})

	gw, err := gateway.New(b, a.manager, gatewayConfig(a))
	if err != nil {
		return err
	}

	go readInbound(b, in, writer)

	logger.InfoCF("serve", "Serving JSON lines", map[string]interface{}{
		"workers":        a.cfg.Gateway.Workers,
		"prune_schedule": a.cfg.Gateway.PruneSchedule,
	})
	return gw.Run(ctx)
}

// readInbound feeds the bus until in ends. Lines that do not decode are
// answered directly with an error.
func readInbound(b *bus.MessageBus, in io.Reader, writer *lineWriter) {
	defer b.CloseInbound()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var msg bus.InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = writer.write(bus.OutboundMessage{
				Source: stdioSource,
				Error:  fmt.Sprintf("line %d: %v", line, err),
			})
			continue
		}
		msg.Source = stdioSource
		if !b.PublishInbound(msg) {
			_ = writer.write(bus.OutboundMessage{
				Source:    stdioSource,
				RequestID: msg.RequestID,
				SessionID: msg.SessionID,
				UserID:    msg.UserID,
				Error:     "inbound queue full",
			})
		}
	}
	if err := scanner.Err(); err != nil {
		logger.ErrorCF("serve", "Reading input failed", map[string]interface{}{
			"error": err.Error(),
			"line":  line,
		})
	}
}

// serveMetrics exposes /metrics and /health on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": formatVersion()})
	})
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.InfoCF("serve", "Metrics server listening", map[string]interface{}{"addr": addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("serve", "Metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
}
