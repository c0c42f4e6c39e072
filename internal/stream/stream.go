// Package stream fans out security alerts for suspicious reveal sessions.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"revealgate.dev/internal/ledger"
)

// Alert describes a suspicious reveal session.
type Alert struct {
	SessionID string    `json:"session_id"`
	User      string    `json:"user"`
	Doctype   string    `json:"doctype"`
	Docname   string    `json:"docname"`
	Field     string    `json:"field"`
	IP        string    `json:"ip,omitempty"`
	Success   bool      `json:"success"`
	Score     int       `json:"anomaly_score"`
	Reasons   []string  `json:"reasons,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFromSession builds the alert payload for s.
func AlertFromSession(s ledger.RevealSession) Alert {
	return Alert{
		SessionID: s.ID,
		User:      s.User,
		Doctype:   s.Doctype,
		Docname:   s.Docname,
		Field:     s.Field,
		IP:        s.IP,
		Success:   s.Success,
		Score:     s.AnomalyScore,
		Reasons:   append([]string(nil), s.AnomalyReasons...),
		Timestamp: s.Timestamp,
	}
}

const defaultBacklog = 32

// Broker fans out alerts to all active subscribers (SSE clients) and keeps
// a short backlog so new subscribers see recent activity.
type Broker struct {
	mu      sync.RWMutex
	subs    map[int]chan Alert
	next    int
	recent  []Alert
	backlog int
	dropped atomic.Int64
}

// New initialises an empty broker retaining backlog recent alerts.
func New(backlog int) *Broker {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Broker{subs: make(map[int]chan Alert), backlog: backlog}
}

// Subscribe registers a subscriber and returns a channel which will receive alerts.
// The channel is closed when the provided context ends.
func (b *Broker) Subscribe(ctx context.Context) <-chan Alert {
	ch := make(chan Alert, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fans the alert out to all subscribers. Slow subscribers miss it.
func (b *Broker) Publish(a Alert) {
	b.mu.Lock()
	b.recent = append(b.recent, a)
	if len(b.recent) > b.backlog {
		b.recent = b.recent[len(b.recent)-b.backlog:]
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- a:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishSession publishes the alert for a suspicious session.
func (b *Broker) PublishSession(s ledger.RevealSession) {
	b.Publish(AlertFromSession(s))
}

// Recent returns the retained alerts, oldest first.
func (b *Broker) Recent() []Alert {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Alert(nil), b.recent...)
}

// Subscribers reports the number of active subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }
