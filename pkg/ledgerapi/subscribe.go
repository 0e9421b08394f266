package ledgerapi

import "github.com/civica-ledger/hal/pkg/ledger"

// subscriberQueueDepth bounds the per-subscriber channel. When a
// subscriber's queue is full, publish() blocks until there is room, which
// stalls delivery to every other subscriber as well.
const subscriberQueueDepth = 256

type subscriber struct {
	filter Filter
	ch     chan *ledger.Record
}

// Subscription is a live tail of records matching a Filter. Each
// published record is sent to Events once.
type Subscription struct {
	id     int
	api    *API
	Events <-chan *ledger.Record
}

// Close stops delivery and frees the subscription's queue.
func (s *Subscription) Close() {
	s.api.subsMu.Lock()
	delete(s.api.subs, s.id)
	s.api.subsMu.Unlock()
}

// Subscribe returns a live tail of the records appended through this
// API's Append that match f. Records that reach the store by other paths
// (replication, the rollup engine) are not delivered. Callers must drain
// Events promptly; a subscriber whose queue fills is still delivered to
// (the publisher blocks until there is room) rather than silently dropped.
func (a *API) Subscribe(f Filter) *Subscription {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()

	id := a.nextID
	a.nextID++
	sub := &subscriber{filter: f, ch: make(chan *ledger.Record, subscriberQueueDepth)}
	a.subs[id] = sub

	return &Subscription{id: id, api: a, Events: sub.ch}
}

// publish fans rec out to every subscriber whose filter matches it.
func (a *API) publish(rec *ledger.Record) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()

	for _, sub := range a.subs {
		if !matches(sub.filter, rec) {
			continue
		}
		sub.ch <- rec
	}
}

func matches(f Filter, rec *ledger.Record) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.Author != "" && rec.Author != f.Author {
		return false
	}
	if f.Tier != nil && rec.Tier != *f.Tier {
		return false
	}
	if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}
