// README: In-memory delivery store for tests and single-process runs.
package notification

import (
	"context"
	"sort"
	"sync"
	"time"

	"dispatchd/internal/clock"
	"dispatchd/internal/types"
)

type payloadKey struct{ broadcast, notification string }

type MemoryStore struct {
	mu         sync.Mutex
	clock      clock.Clock
	payloads   map[payloadKey]Message
	payloadAt  map[payloadKey]time.Time
	logs       map[DeliveryKey]*DeliveryLog
	dead       map[string]string
	broadcasts map[types.ID]*Broadcast
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryStore{
		clock:      clk,
		payloads:   make(map[payloadKey]Message),
		payloadAt:  make(map[payloadKey]time.Time),
		logs:       make(map[DeliveryKey]*DeliveryLog),
		dead:       make(map[string]string),
		broadcasts: make(map[types.ID]*Broadcast),
	}
}

func (m *MemoryStore) SavePayload(_ context.Context, broadcastID, notificationID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := payloadKey{broadcastID, notificationID}
	if _, ok := m.payloads[k]; !ok {
		m.payloads[k] = msg
		m.payloadAt[k] = m.clock.Now()
	}
	return nil
}

func (m *MemoryStore) Payload(_ context.Context, broadcastID, notificationID string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.payloads[payloadKey{broadcastID, notificationID}]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *MemoryStore) IsDead(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.dead[token]
	return ok, nil
}

func (m *MemoryStore) MarkDead(_ context.Context, token, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dead[token]; !ok {
		m.dead[token] = reason
	}
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, key DeliveryKey, userID types.ID, jobID string, maxAttempts int, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	l, ok := m.logs[key]
	if !ok {
		m.logs[key] = &DeliveryLog{
			DeliveryKey: key, JobID: jobID, UserID: userID, Status: DeliverySending,
			Attempts: 1, CreatedAt: now, UpdatedAt: now,
		}
		return true, nil
	}
	retryable := l.Status == DeliveryFailed || (l.Status == DeliverySending && l.UpdatedAt.Before(staleBefore))
	if !retryable || l.Permanent || l.Exhausted || l.Attempts >= maxAttempts {
		return false, nil
	}
	l.Status = DeliverySending
	l.Attempts++
	l.JobID = jobID
	l.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, key DeliveryKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.logs[key]; ok {
		l.Status = DeliverySent
		l.Error = ""
		l.UpdatedAt = m.clock.Now()
	}
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, key DeliveryKey, errMsg string, permanent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.logs[key]; ok {
		l.Status = DeliveryFailed
		l.Error = errMsg
		l.Permanent = permanent
		l.UpdatedAt = m.clock.Now()
	}
	return nil
}

func (m *MemoryStore) RetryCandidates(_ context.Context, staleBefore time.Time, limit int) ([]DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeliveryLog
	for _, l := range m.logs {
		if l.Permanent || l.Exhausted {
			continue
		}
		if l.Status == DeliveryFailed || (l.Status == DeliverySending && l.UpdatedAt.Before(staleBefore)) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].DeliveryKey, out[j].DeliveryKey
		if a.BroadcastID != b.BroadcastID {
			return a.BroadcastID < b.BroadcastID
		}
		if a.NotificationID != b.NotificationID {
			return a.NotificationID < b.NotificationID
		}
		return a.Token < b.Token
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkExhausted(_ context.Context, key DeliveryKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.logs[key]; ok {
		l.Exhausted = true
		l.Status = DeliveryFailed
		if l.Error == "" {
			l.Error = "delivery lease expired"
		}
		l.UpdatedAt = m.clock.Now()
	}
	return nil
}

func (m *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, l := range m.logs {
		if l.Status != DeliverySending && l.UpdatedAt.Before(cutoff) {
			delete(m.logs, k)
			n++
		}
	}
	for k, at := range m.payloadAt {
		if at.Before(cutoff) {
			delete(m.payloads, k)
			delete(m.payloadAt, k)
		}
	}
	return n, nil
}

// Log returns a copy of one delivery row.
func (m *MemoryStore) Log(key DeliveryKey) (DeliveryLog, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[key]
	if !ok {
		return DeliveryLog{}, false
	}
	return *l, true
}

func (m *MemoryStore) CreateBroadcast(_ context.Context, b Broadcast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts[b.ID] = &b
	return nil
}

func (m *MemoryStore) DueBroadcasts(_ context.Context, now time.Time, limit int) ([]Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Broadcast
	for _, b := range m.broadcasts {
		if b.Status == BroadcastScheduled && !b.ScheduledAt.After(now) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkBroadcastEnqueued(_ context.Context, id types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok || b.Status != BroadcastScheduled {
		return false, nil
	}
	b.Status = BroadcastEnqueued
	return true, nil
}
