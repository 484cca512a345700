// Package broadcast implements the fan out hub for dashboard consumers.
package broadcast

import (
	"sync"

	"botfleet/shared"

	"github.com/rs/zerolog"
)

const (
	// subscriberBuffer is the buffer size of subscriber channels.
	subscriberBuffer = 64
)

// HubConfig represents the broadcast hub configuration.
type HubConfig struct {
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Hub fans payloads out to channel subscribers. Publishing is fire and
// forget: it never blocks and drops payloads for saturated subscribers.
type Hub struct {
	cfg *HubConfig

	mtx         sync.RWMutex
	subscribers map[string][]chan any
}

// Ensure the hub implements the Broadcaster interface.
var _ shared.Broadcaster = (*Hub)(nil)

// NewHub initializes a new broadcast hub.
func NewHub(cfg *HubConfig) *Hub {
	return &Hub{
		cfg:         cfg,
		subscribers: make(map[string][]chan any),
	}
}

// Subscribe registers a new subscriber for the provided channel.
func (h *Hub) Subscribe(channel string) <-chan any {
	sub := make(chan any, subscriberBuffer)

	h.mtx.Lock()
	h.subscribers[channel] = append(h.subscribers[channel], sub)
	h.mtx.Unlock()

	return sub
}

// Publish relays the provided payload to all subscribers of the channel.
func (h *Hub) Publish(channel string, payload any) {
	h.mtx.RLock()
	subs := h.subscribers[channel]
	h.mtx.RUnlock()

	for idx := range subs {
		select {
		case subs[idx] <- payload:
			// do nothing.
		default:
			h.cfg.Logger.Error().Msgf("subscriber on %s at capacity: %d/%d, dropping payload",
				channel, len(subs[idx]), subscriberBuffer)
		}
	}
}
