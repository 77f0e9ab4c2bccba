package mcp

import (
	"slices"
	"sync"
)

// SubscriptionTable records the resource URIs one session is subscribed to. It is the only gate
// for resource-updated notifications.
type SubscriptionTable struct {
	mu   sync.Mutex
	uris map[string]struct{}
}

// NewSubscriptionTable returns an empty table.
func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{uris: make(map[string]struct{})}
}

// Subscribe adds uri. Subscribing twice is a no-op; added reports whether the entry is new.
func (t *SubscriptionTable) Subscribe(uri string) (added bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.uris[uri]; ok {
		return false
	}
	t.uris[uri] = struct{}{}
	return true
}

// Unsubscribe removes uri. Removing an absent entry is a no-op.
func (t *SubscriptionTable) Unsubscribe(uri string) (removed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.uris[uri]; !ok {
		return false
	}
	delete(t.uris, uri)
	return true
}

// Has reports whether uri is subscribed.
func (t *SubscriptionTable) Has(uri string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.uris[uri]
	return ok
}

// URIs returns the subscribed URIs, sorted.
func (t *SubscriptionTable) URIs() []string {
	t.mu.Lock()
	uris := make([]string, 0, len(t.uris))
	for uri := range t.uris {
		uris = append(uris, uri)
	}
	t.mu.Unlock()

	slices.Sort(uris)
	return uris
}

// Clear drops every subscription, as happens when the session ends.
func (t *SubscriptionTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.uris)
}
