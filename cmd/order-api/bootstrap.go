package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/OrderSync/config"
	"github.com/BearBump/OrderSync/internal/areas"
	"github.com/BearBump/OrderSync/internal/cache/rediscache"
	"github.com/BearBump/OrderSync/internal/integrations/carrier"
	"github.com/BearBump/OrderSync/internal/integrations/carrier/fake"
	"github.com/BearBump/OrderSync/internal/integrations/carrier/platformhttp"
	"github.com/BearBump/OrderSync/internal/integrations/partner/partnerhttp"
	"github.com/BearBump/OrderSync/internal/metrics"
	"github.com/BearBump/OrderSync/internal/services/engine"
	"github.com/BearBump/OrderSync/internal/storage/pgorders"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

type orderAPIApp struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    orderAPIOpts
	deps    orderAPIDeps
	closers []func()
}

func mustBootstrapOrderAPI(log *zap.Logger) *orderAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	window, err := cfg.Partner.Maintenance.Window()
	if err != nil {
		panic(err)
	}

	st := mustOpenPostgresWithRetry(cfg.Database.DSN(), 60*time.Second, log)

	tokens := rediscache.New(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
	pc := partnerhttp.New(cfg.Partner.BaseURL, cfg.Partner.Username, cfg.Partner.Password, tokens,
		config.Seconds(cfg.Partner.TimeoutSeconds), config.Seconds(cfg.Partner.TokenTTLSeconds))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	eng := engine.New(st, newCarrierClient(cfg.Carrier), pc, areas.Default(), log, m, engine.Options{
		Concurrency:       cfg.Engine.Concurrency,
		CallTimeout:       config.Seconds(cfg.Engine.CallTimeoutSeconds),
		Maintenance:       window,
		UnattemptedReason: cfg.Engine.UnattemptedReason,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &orderAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: orderAPIOpts{
			httpAddr:    cfg.API.HTTPAddr,
			swaggerPath: swaggerPath,
		},
		deps: orderAPIDeps{
			engine:     eng,
			orders:     st,
			classifier: areas.Default(),
			gatherer:   reg,
			log:        log,
		},
		closers: []func(){
			func() { _ = tokens.Close() },
			st.Close,
		},
	}
}

func newCarrierClient(cfg config.CarrierConfig) carrier.Client {
	if cfg.Mode == "fake" || cfg.BaseURL == "" {
		return fake.New()
	}
	return platformhttp.New(cfg.BaseURL, cfg.APIKey, config.Seconds(cfg.TimeoutSeconds))
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration, log *zap.Logger) *pgorders.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgorders.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		log.Warn("postgres is not ready, retrying", zap.Error(err))
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *orderAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, c := range a.closers {
		c()
	}
}

func (a *orderAPIApp) Run() error {
	return runOrderAPI(a.ctx, a.opts, a.deps)
}
