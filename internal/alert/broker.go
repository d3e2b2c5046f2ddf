// Package alert fans operator alerts out to live subscribers.
package alert

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/xiaohuo/verifybot/internal/verifybot"
)

// Alert is an operator-facing notice. It may carry platform error codes
// and permission names, so it must never be shown to end users.
type Alert struct {
	Kind     string             `json:"kind"`
	UserID   string             `json:"user_id"`
	Category verifybot.Category `json:"group_type"`
	Cause    string             `json:"cause"`
	Guide    string             `json:"guide"`
	At       time.Time          `json:"at"`
}

// KindPermission marks a platform permission failure during group join.
const KindPermission = "permission_denied"

// Broker is an in-process pub/sub for alerts.
type Broker struct {
	mu   sync.RWMutex
	subs map[chan []byte]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan []byte]struct{})}
}

// Subscribe returns a channel that receives JSON-encoded alerts.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Subscribers reports how many subscribers are attached.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish sends a to every subscriber.
func (b *Broker) Publish(a Alert) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	data, _ := json.Marshal(a)
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- data:
		default:
			// Drop if subscriber is slow.
		}
	}
	b.mu.RUnlock()
}
