// Package control fans operator commands out to chef daemons listening per
// channel. It is the in-process topic registry behind the dashboard's
// broadcast endpoint: one topic per channel id, one subscriber handle per
// connected daemon.
package control

import (
	"sync"

	"sushibar/internal/domain"
)

// Subscription is one listening daemon's handle on a channel topic. Messages
// that cannot be buffered are dropped; a stalled daemon must not block the
// broadcaster.
type Subscription struct {
	ChannelID string
	C         chan domain.ControlMessage

	broker *Broker
	once   sync.Once
}

// Close detaches the subscription from its topic and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.drop(s)
	})
}

// Broker maps channel ids to the set of currently connected listeners.
type Broker struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
}

func NewBroker() *Broker {
	return &Broker{topics: map[string]map[*Subscription]struct{}{}}
}

// Subscribe attaches a listener to a channel's topic. Any previously
// connected listeners for the channel are detached first: only the most
// recently connected daemon receives commands, matching how a re-deployed
// chef takes over its channel.
func (b *Broker) Subscribe(channelID string) *Subscription {
	sub := &Subscription{
		ChannelID: channelID,
		C:         make(chan domain.ControlMessage, 16),
		broker:    b,
	}
	b.mu.Lock()
	olds := make([]*Subscription, 0, len(b.topics[channelID]))
	for old := range b.topics[channelID] {
		olds = append(olds, old)
	}
	b.topics[channelID] = map[*Subscription]struct{}{sub: {}}
	b.mu.Unlock()
	for _, old := range olds {
		old.Close()
	}
	return sub
}

// drop detaches and closes under the broker mutex. Broadcast sends under the
// same mutex, so a send on a closed channel cannot happen.
func (b *Broker) drop(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[sub.ChannelID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.ChannelID)
		}
	}
	close(sub.C)
}

// Broadcast delivers a command to every listener on the channel's topic and
// returns how many received it. Sends are non-blocking, so holding the mutex
// across them cannot stall on a slow daemon.
func (b *Broker) Broadcast(channelID string, msg domain.ControlMessage) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := 0
	for sub := range b.topics[channelID] {
		select {
		case sub.C <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

// Listeners reports how many daemons are connected for a channel; the
// dashboard uses it for the active/inactive indicator.
func (b *Broker) Listeners(channelID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[channelID])
}
