// Package alert reports conditions an operator should look at.
package alert

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Kinds of alert.
const (
	KindJobDropped  = "job_dropped"
	KindConfig      = "config_error"
	KindWorkerPanic = "worker_panic"
)

type Alert struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Log writes alerts at error level.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log { return &Log{log: log} }

func (l *Log) Notify(_ context.Context, a Alert) error {
	fields := []zap.Field{zap.String("kind", a.Kind)}
	for k, v := range a.Fields {
		fields = append(fields, zap.String(k, v))
	}
	l.log.Error(a.Message, fields...)
	return nil
}

// Publisher is the subset of kafka.Producer used for alerts.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Kafka publishes alerts as JSON keyed by kind, and logs them too.
type Kafka struct {
	pub Publisher
	log *Log
}

func NewKafka(pub Publisher, log *zap.Logger) *Kafka {
	return &Kafka{pub: pub, log: NewLog(log)}
}

func (k *Kafka) Notify(ctx context.Context, a Alert) error {
	_ = k.log.Notify(ctx, a)
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return k.pub.Publish(ctx, a.Kind, b)
}

// Send fills At and delivers a through n, logging delivery failures.
func Send(ctx context.Context, n Notifier, log *zap.Logger, kind, msg string, fields map[string]string) {
	if n == nil {
		return
	}
	a := Alert{Kind: kind, Message: msg, Fields: fields, At: time.Now().UTC()}
	if err := n.Notify(ctx, a); err != nil && log != nil {
		log.Warn("alert delivery failed", zap.String("kind", kind), zap.Error(err))
	}
}
