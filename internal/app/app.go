// Package app wires configuration into the stores, queue, scheduler and services shared by
// every command.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/alert"
	"github.com/jmehdipour/sms-broadcast/internal/config"
	"github.com/jmehdipour/sms-broadcast/internal/db"
	"github.com/jmehdipour/sms-broadcast/internal/dispatcher"
	httpSrv "github.com/jmehdipour/sms-broadcast/internal/http"
	"github.com/jmehdipour/sms-broadcast/internal/jobqueue"
	"github.com/jmehdipour/sms-broadcast/internal/kafka"
	"github.com/jmehdipour/sms-broadcast/internal/lock"
	"github.com/jmehdipour/sms-broadcast/internal/provider"
	"github.com/jmehdipour/sms-broadcast/internal/ratelimit"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmehdipour/sms-broadcast/internal/scheduler"
	"github.com/jmehdipour/sms-broadcast/internal/segment"
	"github.com/jmehdipour/sms-broadcast/internal/service/broadcast"
	"github.com/jmehdipour/sms-broadcast/internal/service/campaign"
	"github.com/jmehdipour/sms-broadcast/internal/service/queue"
	"github.com/jmehdipour/sms-broadcast/internal/worker"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds the process-wide components. ClickHouse and Kafka are optional.
type App struct {
	Cfg   config.Config
	Log   *zap.Logger
	DB    *sqlx.DB
	CH    *sqlx.DB
	Redis *redis.Client

	Queue     jobqueue.Queue
	Scheduler *scheduler.Cron
	Provider  provider.Client
	Limiter   *ratelimit.Limiter
	Alerts    alert.Notifier

	Broadcasts   repository.BroadcastsRepository
	Campaigns    repository.CampaignsRepository
	Statuses     repository.MessageStatusesRepository
	Authors      repository.AuthorsRepository
	Segments     repository.SegmentsRepository
	Settings     repository.SettingsRepository
	Outbox       repository.OutboxRepository
	Deliveries   repository.DeliveryEventsRepository
	QueueSvc     *queue.Service
	BroadcastSvc *broadcast.Service
	CampaignSvc  *campaign.Service
	Dispatcher   *dispatcher.Dispatcher
	Reconciler   *worker.Reconciler
	Escalator    *worker.Escalator

	closers []func() error
}

func poolOpts(c config.DatabaseConfig) db.PoolOpts {
	return db.PoolOpts{
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		PingTimeout:     c.PingTimeout,
	}
}

// New connects the stores and builds every component. Close releases them.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	sqlDB, err := db.Open(cfg.Store.Driver, cfg.Store.DSN, poolOpts(cfg.Store.DatabaseConfig))
	if err != nil {
		return nil, fmt.Errorf("store connect: %w", err)
	}
	a.DB = sqlDB
	a.closers = append(a.closers, sqlDB.Close)

	rdb, err := db.NewRedisClient(db.RedisOpts{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
		PoolSize:    cfg.Redis.PoolSize,
		ReadTimeout: cfg.Redis.ReadTimeout,
		ClientName:  "broadcaster",
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	a.Redis = rdb
	a.closers = append(a.closers, rdb.Close)

	if cfg.ClickHouse.DSN != "" {
		ch, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, poolOpts(cfg.ClickHouse))
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("clickhouse connect: %w", err)
		}
		a.CH = ch
		a.closers = append(a.closers, ch.Close)
		a.Deliveries = repository.NewCHDeliveryEventsRepository(ch)
	}

	a.Alerts = alert.NewLog(log.Named("alert"))
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.AlertsTopic != "" {
		p := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.AlertsTopic})
		a.closers = append(a.closers, p.Close)
		a.Alerts = alert.NewKafka(p, log.Named("alert"))
	}

	a.build()
	return a, nil
}

func (a *App) build() {
	cfg := a.Cfg
	loc := cfg.Broadcast.Location()

	a.Broadcasts = repository.NewBroadcastsRepository(a.DB)
	a.Campaigns = repository.NewCampaignsRepository(a.DB)
	a.Statuses = repository.NewMessageStatusesRepository(a.DB)
	a.Authors = repository.NewAuthorsRepository(a.DB)
	a.Segments = repository.NewSegmentsRepository(a.DB)
	a.Settings = repository.NewSettingsRepository(a.DB)
	a.Outbox = repository.NewOutboxRepository(a.DB)

	q := jobqueue.NewRedis(a.Redis, cfg.Queue.KeyPrefix)
	if cfg.Queue.RetireFor > 0 {
		q.RetireFor = cfg.Queue.RetireFor
	}
	a.Queue = q
	a.Scheduler = scheduler.NewCron(
		scheduler.NewRedisStore(a.Redis, cfg.Scheduler.StoreKey),
		a.Log.Named("scheduler"),
		scheduler.Options{
			Location:     loc,
			JobTimeout:   cfg.Scheduler.JobTimeout,
			SyncInterval: cfg.Scheduler.SyncInterval,
			OnPanic: func(name string, r any) {
				alert.Send(context.Background(), a.Alerts, a.Log, alert.KindWorkerPanic, "scheduled job panicked",
					map[string]string{"job": name, "panic": fmt.Sprint(r)})
			},
		},
	)
	a.Provider = provider.NewHTTPClient(
		cfg.Provider.BaseURL,
		cfg.Provider.Token,
		cfg.Provider.TimeoutMs,
		cfg.Provider.Breaker.FailThreshold,
		cfg.Provider.Breaker.OpenForMs,
	)
	// one limiter per process: dispatch, reconciliation and escalation share the provider quota
	a.Limiter = ratelimit.PerSecond(cfg.Dispatcher.RatePerSec)

	a.QueueSvc = queue.New(a.DB, a.Outbox, a.Queue, a.Scheduler, cfg.Dispatcher.Spec, a.Log.Named("outbox"))
	resolver := segment.NewResolver(a.Segments, a.Authors, cfg.Phone.DefaultCountryCode, a.Log.Named("segment"))

	a.BroadcastSvc = broadcast.New(a.DB, a.Broadcasts, a.Settings, resolver, a.QueueSvc, a.Scheduler,
		lock.NewRedis(a.Redis, cfg.Queue.KeyPrefix+":lock:"), a.Log.Named("broadcast"), broadcast.Config{
			Location:       loc,
			SendNowMinLead: cfg.Broadcast.SendNowMinLead,
			LockTTL:        cfg.Broadcast.LockTTL,
			InvokeRetry:    cfg.Broadcast.InvokeRetry,
			SendInterval:   a.Limiter.Interval(),
			ReconcileSpec:  cfg.Reconcile.Spec,
		})
	a.CampaignSvc = campaign.New(a.DB, a.Campaigns, resolver, a.QueueSvc, a.Scheduler, a.Log.Named("campaign"), campaign.Config{
		Location:      loc,
		SendInterval:  a.Limiter.Interval(),
		ReconcileSpec: cfg.Reconcile.Spec,
	})

	a.Dispatcher = dispatcher.New(a.Queue, a.Provider, a.Statuses, a.Outbox, a.Scheduler, a.Limiter, a.Alerts,
		a.Log.Named("dispatcher"), dispatcher.Config{
			Budget:            cfg.Dispatcher.Budget,
			VisibilityTimeout: cfg.Dispatcher.VisibilityTimeout,
			MaxReads:          cfg.Dispatcher.MaxReads,
			DispatchSpec:      cfg.Dispatcher.Spec,
			BroadcastLabelIDs: cfg.Provider.BroadcastLabelIDs,
			CampaignLabelIDs:  cfg.Provider.CampaignLabelIDs,
			ExcludedLabelIDs:  cfg.Provider.ExcludedLabelIDs,
		})
	a.Reconciler = &worker.Reconciler{
		Provider:     a.Provider,
		Statuses:     a.Statuses,
		Broadcasts:   a.Broadcasts,
		Campaigns:    a.Campaigns,
		Scheduler:    a.Scheduler,
		Limiter:      a.Limiter,
		Events:       a.Deliveries,
		Log:          a.Log.Named("reconcile"),
		EscalateSpec: cfg.Escalator.Spec,
		DefaultCC:    cfg.Phone.DefaultCountryCode,
		Now:          time.Now,
	}
	a.Escalator = &worker.Escalator{
		DB:             a.DB,
		Provider:       a.Provider,
		Statuses:       a.Statuses,
		Authors:        a.Authors,
		Scheduler:      a.Scheduler,
		Cursors:        a.Settings,
		Limiter:        a.Limiter,
		Log:            a.Log.Named("escalate"),
		ClosingLabelID: cfg.Provider.ClosingLabelID,
		ClosingNotice:  cfg.Provider.ClosingNotice,
		Budget:         cfg.Escalator.Budget,
		BatchSize:      cfg.Escalator.BatchSize,
		FlushEvery:     cfg.Escalator.FlushEvery,
	}
}

// RegisterHandlers binds every scheduler operation to its component.
func (a *App) RegisterHandlers() {
	s := a.Scheduler
	s.Handle(scheduler.OpDispatch, func(ctx context.Context, name string, t scheduler.Target) error {
		_, err := a.Dispatcher.Run(ctx, t.IsSecond)
		return err
	})
	s.Handle(scheduler.OpReconcile, func(ctx context.Context, name string, t scheduler.Target) error {
		_, err := a.Reconciler.Reconcile(ctx, name, t)
		return err
	})
	s.Handle(scheduler.OpHandleFailed, func(ctx context.Context, name string, t scheduler.Target) error {
		res, err := a.Escalator.HandleFailedDeliveries(ctx)
		if errors.Is(err, worker.ErrNoClosingLabel) {
			alert.Send(ctx, a.Alerts, a.Log, alert.KindConfig, "failure escalation has no closing label", nil)
		}
		if err == nil && res.Failed > 0 {
			a.Log.Warn("closing notices failed", zap.Int("failed", res.Failed))
		}
		return err
	})
	s.Handle(scheduler.OpInvokeBroadcast, func(ctx context.Context, name string, t scheduler.Target) error {
		return a.BroadcastSvc.Invoke(ctx, t)
	})
	s.Handle(scheduler.OpInvokeCampaign, a.CampaignSvc.Invoke)
	s.Handle(scheduler.OpRelayOutbox, func(ctx context.Context, name string, t scheduler.Target) error {
		_, err := a.QueueSvc.Relay(ctx)
		return err
	})
}

// Bootstrap registers the permanent jobs: the outbox relay and the invocation of the
// current draft, if it has a run time.
func (a *App) Bootstrap(ctx context.Context) error {
	if err := a.Scheduler.Schedule(ctx, scheduler.NameOutboxRelay, a.Cfg.Scheduler.RelaySpec,
		scheduler.Target{Op: scheduler.OpRelayOutbox}); err != nil {
		return fmt.Errorf("schedule outbox relay: %w", err)
	}
	b, err := a.Broadcasts.GetEditable(ctx)
	if err != nil {
		return err
	}
	if b == nil || b.RunAt == nil || !b.RunAt.After(time.Now()) {
		return nil
	}
	return a.Scheduler.Schedule(ctx, scheduler.NameInvokeBroadcast, scheduler.At(*b.RunAt, a.Cfg.Broadcast.Location()),
		scheduler.Target{Op: scheduler.OpInvokeBroadcast, BroadcastID: b.ID, RunAt: b.RunAt})
}

// HTTP builds the trigger server.
func (a *App) HTTP() *httpSrv.Server {
	return httpSrv.NewServer(httpSrv.Deps{
		Broadcasts: a.BroadcastSvc,
		Campaigns:  a.CampaignSvc,
		Dispatcher: a.Dispatcher,
		Escalator:  a.Escalator,
		Jobs:       a.Scheduler,
		Reports:    a.Deliveries,
		Redis:      a.Redis,
		RateRPS:    a.Cfg.HTTP.RateLimitRPS,
	}, a.Log.Named("http"))
}

// EventsConsumer builds the Kafka reader for recipient events.
func (a *App) EventsConsumer() (*kafka.Consumer, error) {
	k := a.Cfg.Kafka
	if len(k.Brokers) == 0 || k.EventsTopic == "" {
		return nil, errors.New("kafka.brokers and kafka.events_topic are required for the events worker")
	}
	return kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:        k.Brokers,
		Topic:          k.EventsTopic,
		GroupID:        k.GroupID,
		MinBytes:       k.MinBytes,
		MaxBytes:       k.MaxBytes,
		CommitInterval: time.Duration(k.CommitInterval) * time.Millisecond,
	}), nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
