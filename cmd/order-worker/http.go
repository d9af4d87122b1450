package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/OrderSync/config"
	"github.com/BearBump/OrderSync/internal/services/relay"
	"github.com/BearBump/OrderSync/internal/services/sequencer"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	relay     *relay.Relay
	sequencer *sequencer.Sequencer
	store     workerStore
	gatherer  prometheus.Gatherer
	cfg       *config.Config
}

type workerStats struct {
	Relay         relay.Stats     `json:"relay"`
	Sequencer     sequencer.Stats `json:"sequencer"`
	OutboxPending int64           `json:"outboxPending"`
	OutboxDead    int64           `json:"outboxDead"`
	OutboxError   string          `json:"outboxError,omitempty"`
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8081"
	}
	if opts.swaggerPath == "" {
		return fmt.Errorf("worker swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newWorkerRouter(opts), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}

func newWorkerRouter(opts workerHTTPOpts) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.store == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store not wired"})
			return
		}
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := opts.store.Ping(pingCtx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		if opts.relay == nil || opts.sequencer == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "worker not wired"})
			return
		}
		out := workerStats{Relay: opts.relay.Stats(), Sequencer: opts.sequencer.Stats()}
		if opts.store != nil {
			counts, err := opts.store.CountOutbox(r.Context())
			if err != nil {
				out.OutboxError = err.Error()
			} else {
				out.OutboxPending = counts.Pending
				out.OutboxDead = counts.Dead
			}
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "config not wired"})
			return
		}
		// только рабочие настройки, без секретов
		rc, sc := opts.cfg.Relay, opts.cfg.Sequencer
		writeJSON(w, http.StatusOK, map[string]any{
			"relayPollIntervalSeconds": rc.PollIntervalSeconds,
			"relayBatchSize":           rc.BatchSize,
			"relayConcurrency":         rc.Concurrency,
			"relayLeaseSeconds":        rc.LeaseSeconds,
			"relayCallTimeoutSeconds":  rc.CallTimeoutSeconds,
			"relayRateLimitPerMinute":  rc.RateLimitPerMinute,
			"relayMaxAttempts":         rc.MaxAttempts,
			"backoffSeconds":           []int{rc.Backoff1Seconds, rc.Backoff2Seconds, rc.Backoff3Seconds, rc.Backoff4Seconds},
			"sequencerQueueSize":       sc.QueueSize,
			"backfillSchedule":         sc.BackfillSchedule,
			"backfillGraceSeconds":     sc.BackfillGraceSeconds,
			"backfillLimit":            sc.BackfillLimit,
			"carrierMode":              opts.cfg.Carrier.Mode,
			"notifyEnabled":            opts.cfg.Notify.Enabled(),
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if opts.relay == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "relay not wired"})
			return
		}
		opts.relay.Trigger()
		writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
	})

	gatherer := opts.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})
	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
