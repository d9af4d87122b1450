package main

import (
	"context"

	"github.com/BearBump/OrderSync/config"
	"github.com/BearBump/OrderSync/internal/broker/kafka"
	"github.com/BearBump/OrderSync/internal/cache/rediscache"
	"github.com/BearBump/OrderSync/internal/integrations/carrier"
	"github.com/BearBump/OrderSync/internal/integrations/carrier/fake"
	"github.com/BearBump/OrderSync/internal/integrations/carrier/platformhttp"
	"github.com/BearBump/OrderSync/internal/integrations/notify"
	"github.com/BearBump/OrderSync/internal/integrations/notify/whatsapphttp"
	"github.com/BearBump/OrderSync/internal/integrations/partner"
	"github.com/BearBump/OrderSync/internal/integrations/partner/partnerhttp"
	"github.com/BearBump/OrderSync/internal/metrics"
	"github.com/BearBump/OrderSync/internal/services/relay"
	"github.com/BearBump/OrderSync/internal/services/sequencer"
	"github.com/BearBump/OrderSync/internal/storage/pgorders"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// workerStore: всё, что воркеру нужно от хранилища.
type workerStore interface {
	relay.Repository
	sequencer.Store
	CountOutbox(ctx context.Context) (pgorders.OutboxCounts, error)
	Ping(ctx context.Context) error
}

type messageConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type workerFactories struct {
	newStorage       func(cfg *config.Config) (store workerStore, closeFn func(), err error)
	newConsumer      func(cfg *config.Config, log *zap.Logger) (messageConsumer, func())
	newProducer      func(cfg *config.Config) relay.Producer
	newRateLimiter   func(cfg *config.Config) (relay.RateLimiter, func())
	newCarrierClient func(cfg *config.Config) carrier.Client
	newPartnerClient func(cfg *config.Config) (partner.Client, func())
	newNotifier      func(cfg *config.Config) notify.Sender
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStore, func(), error) {
			st, err := pgorders.New(cfg.Database.DSN())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newConsumer: func(cfg *config.Config, log *zap.Logger) (messageConsumer, func()) {
			c := kafka.NewConsumer(cfg.Kafka.Brokers(), cfg.Kafka.OrderInsertedTopic, cfg.Kafka.ConsumerGroup).WithLogger(log)
			return c, func() { _ = c.Close() }
		},
		newProducer: func(cfg *config.Config) relay.Producer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newRateLimiter: func(cfg *config.Config) (relay.RateLimiter, func()) {
			rl := rediscache.NewRateLimiter(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
			return rl, func() { _ = rl.Close() }
		},
		newCarrierClient: func(cfg *config.Config) carrier.Client {
			if cfg.Carrier.Mode == "fake" || cfg.Carrier.BaseURL == "" {
				return fake.New()
			}
			return platformhttp.New(cfg.Carrier.BaseURL, cfg.Carrier.APIKey, config.Seconds(cfg.Carrier.TimeoutSeconds))
		},
		newPartnerClient: func(cfg *config.Config) (partner.Client, func()) {
			if !cfg.Partner.Enabled() {
				return nil, nil
			}
			tokens := rediscache.New(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
			pc := partnerhttp.New(cfg.Partner.BaseURL, cfg.Partner.Username, cfg.Partner.Password, tokens,
				config.Seconds(cfg.Partner.TimeoutSeconds), config.Seconds(cfg.Partner.TokenTTLSeconds))
			return pc, func() { _ = tokens.Close() }
		},
		newNotifier: func(cfg *config.Config) notify.Sender {
			if !cfg.Notify.Enabled() {
				return notify.Noop{}
			}
			return whatsapphttp.New(cfg.Notify.BaseURL, cfg.Notify.Token, cfg.Notify.CountryCode, config.Seconds(cfg.Notify.TimeoutSeconds))
		},
	}
}

type workerOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)
}

// RunOrderWorker поднимает нумератор с его consumer и backfill, relay outbox и служебный HTTP.
// Возвращается, когда отменён ctx или упал любой из компонентов.
func RunOrderWorker(ctx context.Context, cfg *config.Config, f workerFactories, opts workerOpts, log *zap.Logger, reg prometheus.Registerer) error {
	if log == nil {
		log = zap.NewNop()
	}
	m := metrics.New(reg)

	store, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	consumer, closeConsumer := f.newConsumer(cfg, log)
	if closeConsumer != nil {
		defer closeConsumer()
	}

	seq := sequencer.New(store, log, m, cfg.Sequencer.QueueSize)
	backfill := sequencer.NewBackfillJob(seq, cfg.Sequencer.BackfillSchedule,
		config.Seconds(cfg.Sequencer.BackfillGraceSeconds), cfg.Sequencer.BackfillLimit, log, m)

	limiter, closeLimiter := f.newRateLimiter(cfg)
	if closeLimiter != nil {
		defer closeLimiter()
	}
	partnerClient, closePartner := f.newPartnerClient(cfg)
	if closePartner != nil {
		defer closePartner()
	}

	rc := cfg.Relay
	rel := relay.New(store, relay.Targets{
		Carrier:  f.newCarrierClient(cfg),
		Partner:  partnerClient,
		Notifier: f.newNotifier(cfg),
		Producer: f.newProducer(cfg),
	}, limiter, cfg.Kafka.OrderInsertedTopic, log, m).
		WithSettings(config.Seconds(rc.PollIntervalSeconds), rc.BatchSize, rc.Concurrency,
			config.Seconds(rc.LeaseSeconds), config.Seconds(rc.CallTimeoutSeconds), rc.RateLimitPerMinute).
		WithPlanner(relay.PlannerConfig{
			Backoff1:    config.Seconds(rc.Backoff1Seconds),
			Backoff2:    config.Seconds(rc.Backoff2Seconds),
			Backoff3:    config.Seconds(rc.Backoff3Seconds),
			Backoff4:    config.Seconds(rc.Backoff4Seconds),
			MaxAttempts: rc.MaxAttempts,
		})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return seq.Run(ctx) })

	g.Go(func() error {
		log.Info("kafka consumer started",
			zap.String("topic", cfg.Kafka.OrderInsertedTopic),
			zap.String("group", cfg.Kafka.ConsumerGroup))
		return consumer.Consume(ctx, func(_, value []byte) error {
			return seq.HandleMessage(ctx, value)
		})
	})

	g.Go(func() error {
		if err := backfill.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		backfill.Stop()
		return ctx.Err()
	})

	g.Go(func() error { return rel.Run(ctx) })

	if opts.httpAddr != "" {
		g.Go(func() error {
			return runWorkerHTTPServer(ctx, workerHTTPOpts{
				httpAddr:    opts.httpAddr,
				swaggerPath: opts.swaggerPath,
				onListen:    opts.onListen,
				relay:       rel,
				sequencer:   seq,
				store:       store,
				gatherer:    gathererOf(reg),
				cfg:         cfg,
			})
		})
	}

	return g.Wait()
}

func gathererOf(reg prometheus.Registerer) prometheus.Gatherer {
	if g, ok := reg.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}
