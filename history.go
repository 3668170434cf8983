package main

import (
	"sync"
	"time"
)

// routeItem remembers which box last sent an MT on a number pair.
type routeItem struct {
	BoxcID string
	Sent   time.Time
}

// RouteHistory routes MO replies back to the smsbox that originated the
// conversation. Keyed receiver|sender from the MT's point of view: an MT
// from A to B makes a later MO from B to A land on the same box.
type RouteHistory struct {
	list map[string]map[string]routeItem // MT receiver -> MT sender
	mu   sync.RWMutex
}

// keepFor bounds how long a pair stays routable; stale entries lose to
// the fallback queue.
const keepFor = 24 * time.Hour

// Add records that boxcID sent an MT from sender to receiver.
func (h *RouteHistory) Add(boxcID, sender, receiver string) {
	if boxcID == "" {
		return
	}
	h.mu.Lock()
	if h.list == nil {
		h.list = make(map[string]map[string]routeItem)
	}
	items := h.list[receiver]
	if items == nil {
		items = make(map[string]routeItem)
		h.list[receiver] = items
	}
	items[sender] = routeItem{BoxcID: boxcID, Sent: time.Now()}
	h.mu.Unlock()
}

// Get returns the box for an MO going from sender to receiver, or ""
// when no fresh pairing exists.
func (h *RouteHistory) Get(sender, receiver string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	items := h.list[sender]
	if items == nil {
		return ""
	}
	item, ok := items[receiver]
	if !ok || time.Since(item.Sent) > keepFor {
		return ""
	}
	return item.BoxcID
}
