package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Memory is an in-process Queue for local runs and tests.
type Memory struct {
	RetireFor time.Duration

	mu      sync.Mutex
	now     func() time.Time
	seq     int64
	queues  map[string]map[string]*memEntry
	retired map[string]map[string]time.Time // queue -> id -> forget at
}

type memEntry struct {
	payload   []byte
	visibleAt time.Time
	reads     int
	seq       int64
}

var _ Queue = (*Memory)(nil)

// NewMemory builds a Memory queue. A nil clock means time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		RetireFor: DefaultRetireFor,
		now:       now,
		queues:    make(map[string]map[string]*memEntry),
		retired:   make(map[string]map[string]time.Time),
	}
}

func (m *Memory) Send(_ context.Context, queue, id string, payload []byte, delay time.Duration) error {
	if id == "" {
		return errors.New("jobqueue: empty job id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queue]
	if !ok {
		q = make(map[string]*memEntry)
		m.queues[queue] = q
	}
	if _, exists := q[id]; exists {
		return nil
	}
	if until, ok := m.retired[queue][id]; ok {
		if m.now().Before(until) {
			return nil
		}
		delete(m.retired[queue], id)
	}
	m.seq++
	q[id] = &memEntry{
		payload:   append([]byte(nil), payload...),
		visibleAt: m.now().Add(max(delay, 0)),
		seq:       m.seq,
	}
	return nil
}

func (m *Memory) Read(_ context.Context, queue string, vt time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var (
		pickID string
		pick   *memEntry
	)
	for id, e := range m.queues[queue] {
		if e.visibleAt.After(now) {
			continue
		}
		if pick == nil || e.visibleAt.Before(pick.visibleAt) ||
			(e.visibleAt.Equal(pick.visibleAt) && e.seq < pick.seq) {
			pickID, pick = id, e
		}
	}
	if pick == nil {
		return nil, nil
	}
	pick.reads++
	pick.visibleAt = now.Add(vt)
	return &Job{ID: pickID, Payload: append([]byte(nil), pick.payload...), ReadCount: pick.reads}, nil
}

func (m *Memory) Delete(_ context.Context, queue, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues[queue], id)

	r, ok := m.retired[queue]
	if !ok {
		r = make(map[string]time.Time)
		m.retired[queue] = r
	}
	r[id] = m.now().Add(m.RetireFor)
	return nil
}

func (m *Memory) Len(_ context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queues[queue])), nil
}
