package broker

import (
	"sync"

	"tickflow/logger"
	"tickflow/models"
)

// Receiver is one delivery target for fanned-out bus messages. Deliver must
// not block; it returns false when the message was dropped.
type Receiver interface {
	ID() string
	Deliver(payload []byte) bool
}

// SubscriptionTable tracks which clients want which channels and keeps the
// upstream bus subscription set in sync via reference counting. A channel is
// subscribed upstream exactly while at least one client holds it.
type SubscriptionTable struct {
	mu             sync.RWMutex
	channelClients map[string]map[string]Receiver
	clientChannels map[string]map[string]struct{}

	subscribe   func(channel string)
	unsubscribe func(channel string)
	log         *logger.Log
}

// NewSubscriptionTable creates an empty table. The callbacks fire under the
// table lock on the first subscriber of a channel and after the last one
// leaves, so upstream state changes are serialized with membership changes.
func NewSubscriptionTable(subscribe, unsubscribe func(channel string)) *SubscriptionTable {
	return &SubscriptionTable{
		channelClients: make(map[string]map[string]Receiver),
		clientChannels: make(map[string]map[string]struct{}),
		subscribe:      subscribe,
		unsubscribe:    unsubscribe,
		log:            logger.GetLogger(),
	}
}

// Add registers the client on each channel. Channel names are normalized
// here; duplicate subscriptions are no-ops. It returns the normalized
// channel names for the acknowledgement.
func (t *SubscriptionTable) Add(client Receiver, channels []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	normalized := make([]string, 0, len(channels))
	for _, ch := range channels {
		channel := models.NormalizeChannel(ch)
		if channel == "" {
			continue
		}
		normalized = append(normalized, channel)

		clients, ok := t.channelClients[channel]
		if !ok {
			clients = make(map[string]Receiver)
			t.channelClients[channel] = clients
		}
		if _, dup := clients[client.ID()]; dup {
			continue
		}
		clients[client.ID()] = client

		held, ok := t.clientChannels[client.ID()]
		if !ok {
			held = make(map[string]struct{})
			t.clientChannels[client.ID()] = held
		}
		held[channel] = struct{}{}

		if len(clients) == 1 {
			t.log.WithComponent("broker").WithFields(logger.Fields{
				"channel": channel,
			}).Info("first subscriber, joining upstream channel")
			t.subscribe(channel)
		}
	}
	return normalized
}

// Remove drops the client from the given channels, or from every channel it
// holds when channels is nil (disconnect cleanup). It returns the normalized
// channel names that were actually removed.
func (t *SubscriptionTable) Remove(client Receiver, channels []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if channels == nil {
		held := t.clientChannels[client.ID()]
		channels = make([]string, 0, len(held))
		for ch := range held {
			channels = append(channels, ch)
		}
	}

	removed := make([]string, 0, len(channels))
	for _, ch := range channels {
		channel := models.NormalizeChannel(ch)
		if channel == "" {
			continue
		}

		clients, ok := t.channelClients[channel]
		if !ok {
			continue
		}
		if _, held := clients[client.ID()]; !held {
			continue
		}
		removed = append(removed, channel)
		delete(clients, client.ID())

		if held := t.clientChannels[client.ID()]; held != nil {
			delete(held, channel)
			if len(held) == 0 {
				delete(t.clientChannels, client.ID())
			}
		}

		if len(clients) == 0 {
			delete(t.channelClients, channel)
			t.log.WithComponent("broker").WithFields(logger.Fields{
				"channel": channel,
			}).Info("last subscriber left, leaving upstream channel")
			t.unsubscribe(channel)
		}
	}
	return removed
}

// Receivers returns the clients currently subscribed to the channel.
func (t *SubscriptionTable) Receivers(channel string) []Receiver {
	t.mu.RLock()
	defer t.mu.RUnlock()

	clients := t.channelClients[channel]
	if len(clients) == 0 {
		return nil
	}
	out := make([]Receiver, 0, len(clients))
	for _, c := range clients {
		out = append(out, c)
	}
	return out
}

// ChannelCount reports the number of channels with at least one subscriber.
func (t *SubscriptionTable) ChannelCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channelClients)
}

// ClientCount reports the number of clients holding at least one channel.
func (t *SubscriptionTable) ClientCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clientChannels)
}
