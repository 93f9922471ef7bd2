package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var ErrUnknownJob = errors.New("scheduler: unknown job")

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidSpec reports whether spec parses as a five-field or descriptor spec.
func ValidSpec(spec string) error {
	_, err := specParser.Parse(spec)
	return err
}

type Options struct {
	Location     *time.Location
	JobTimeout   time.Duration
	SyncInterval time.Duration
	Now          func() time.Time
	OnPanic      func(name string, recovered any)
}

type installed struct {
	id  cron.EntryID
	def Definition
	sig string
}

// Cron runs registered jobs in-process on robfig/cron. The Store is the
// source of truth; Start keeps local entries in step with it.
type Cron struct {
	mu       sync.Mutex
	c        *cron.Cron
	store    Store
	handlers map[string]Handler
	entries  map[string]installed
	log      *zap.Logger
	opts     Options
	baseCtx  context.Context
	stopSync context.CancelFunc
	wg       sync.WaitGroup
}

var _ Scheduler = (*Cron)(nil)

func NewCron(store Store, log *zap.Logger, opts Options) *Cron {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 90 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log: log.Sugar()}
	return &Cron{
		c: cron.New(
			cron.WithParser(specParser),
			cron.WithLocation(opts.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl)),
		),
		store:    store,
		handlers: make(map[string]Handler),
		entries:  make(map[string]installed),
		log:      log,
		opts:     opts,
		baseCtx:  context.Background(),
	}
}

// Handle binds op to h. Jobs whose op has no handler are logged and skipped.
func (s *Cron) Handle(op string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[op] = h
}

func (s *Cron) Schedule(ctx context.Context, name, spec string, target Target) error {
	if name == "" {
		return errors.New("scheduler: empty job name")
	}
	if err := ValidSpec(spec); err != nil {
		return fmt.Errorf("scheduler: job %s: %w", name, err)
	}
	d := Definition{Name: name, Spec: spec, Target: target}
	if err := s.store.Save(ctx, d); err != nil {
		return fmt.Errorf("scheduler: save %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installLocked(d)
}

func (s *Cron) Unschedule(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("scheduler: delete %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	return nil
}

func (s *Cron) ActiveJobNames(ctx context.Context) ([]string, error) {
	defs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Cron) Definitions(ctx context.Context) ([]Definition, error) {
	return s.store.List(ctx)
}

// RunNow fires the stored job name once, synchronously.
func (s *Cron) RunNow(ctx context.Context, name string) error {
	defs, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for _, d := range defs {
		if d.Name == name {
			return s.fire(ctx, d)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

// Start loads the store, starts the cron loop and, when SyncInterval is set,
// re-reads the store periodically so registrations from other processes apply.
func (s *Cron) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	if err := s.Sync(ctx); err != nil {
		return err
	}
	s.c.Start()

	if s.opts.SyncInterval > 0 {
		syncCtx, cancel := context.WithCancel(ctx)
		s.stopSync = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			t := time.NewTicker(s.opts.SyncInterval)
			defer t.Stop()
			for {
				select {
				case <-syncCtx.Done():
					return
				case <-t.C:
					if err := s.Sync(syncCtx); err != nil && syncCtx.Err() == nil {
						s.log.Warn("scheduler sync failed", zap.Error(err))
					}
				}
			}
		}()
	}
	s.log.Info("scheduler started", zap.String("location", s.opts.Location.String()))
	return nil
}

// Stop halts the loop and waits for running jobs.
func (s *Cron) Stop() {
	if s.stopSync != nil {
		s.stopSync()
	}
	s.wg.Wait()
	<-s.c.Stop().Done()
}

// Sync installs, replaces and removes local entries to match the store.
func (s *Cron) Sync(ctx context.Context) error {
	defs, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		seen[d.Name] = struct{}{}
		if err := s.installLocked(d); err != nil {
			s.log.Warn("skipping invalid job", zap.String("job", d.Name), zap.Error(err))
		}
	}
	for name := range s.entries {
		if _, ok := seen[name]; !ok {
			s.removeLocked(name)
		}
	}
	return nil
}

func (s *Cron) installLocked(d Definition) error {
	sig := signature(d)
	if cur, ok := s.entries[d.Name]; ok && cur.sig == sig {
		return nil
	}
	sched, err := specParser.Parse(d.Spec)
	if err != nil {
		return err
	}
	s.removeLocked(d.Name)

	name := d.Name
	id := s.c.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		cur, ok := s.entries[name]
		base := s.baseCtx
		s.mu.Unlock()
		if !ok {
			return
		}
		_ = s.fire(base, cur.def)
	}))
	s.entries[d.Name] = installed{id: id, def: d, sig: sig}
	return nil
}

func (s *Cron) removeLocked(name string) {
	if cur, ok := s.entries[name]; ok {
		s.c.Remove(cur.id)
		delete(s.entries, name)
	}
}

func (s *Cron) fire(ctx context.Context, d Definition) (err error) {
	log := s.log.With(zap.String("job", d.Name), zap.String("op", d.Target.Op))
	if nb := d.Target.NotBefore; nb != nil && s.opts.Now().Before(*nb) {
		log.Debug("job not due yet", zap.Time("not_before", *nb))
		return nil
	}

	s.mu.Lock()
	h, ok := s.handlers[d.Target.Op]
	s.mu.Unlock()
	if !ok {
		log.Error("no handler for job")
		return fmt.Errorf("scheduler: no handler for op %q", d.Target.Op)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", zap.Any("panic", r))
			if s.opts.OnPanic != nil {
				s.opts.OnPanic(d.Name, r)
			}
			err = fmt.Errorf("scheduler: job %s panicked: %v", d.Name, r)
		}
	}()

	start := time.Now()
	if err = h(ctx, d.Name, d.Target); err != nil {
		log.Error("job failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		return err
	}
	log.Debug("job done", zap.Duration("took", time.Since(start)))
	return nil
}

func signature(d Definition) string {
	b, _ := json.Marshal(d)
	return string(b)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debugw(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Errorw(msg, append(kv, "error", err)...)
}
