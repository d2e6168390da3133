package transport

import (
	"github.com/oklog/ulid/v2"

	"github.com/nainya/scoresync/pkg/protocol"
)

// EventCallback receives events delivered to a subscription
type EventCallback func(protocol.RealtimeEvent)

// EventFilter narrows a subscription; nil accepts everything
type EventFilter func(protocol.RealtimeEvent) bool

// WildcardEvent subscribes to every event name
const WildcardEvent = "*"

type subscription struct {
	id       string
	event    string
	callback EventCallback
	filter   EventFilter
}

// Subscribe registers callback for event (or WildcardEvent) and returns the
// subscription id. The subscribe message is sent now or on the next connect.
func (t *Transport) Subscribe(event string, callback EventCallback, filter EventFilter) string {
	id := ulid.Make().String()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.subs = append(t.subs, &subscription{id: id, event: event, callback: callback, filter: filter})
	if err := t.sendLocked(&protocol.Subscribe{ID: id, Event: event}, id); err != nil {
		t.log.Warn("Subscribe not sent").Err(err).Str("event", event).Send()
	}
	return id
}

// replaySubscriptionsLocked re-sends every subscription not already waiting
// in the queue and reports whether all of them went out. A failed write
// leaves the rest for the next connection; the reader notices the broken
// socket and reconnects.
func (t *Transport) replaySubscriptionsLocked() bool {
	for _, sub := range t.subs {
		if t.isQueuedLocked(protocol.TypeSubscribe, sub.id) {
			continue
		}
		if err := t.writeMessageLocked(&protocol.Subscribe{ID: sub.id, Event: sub.event}); err != nil {
			t.log.Warn("Subscription replay failed").
				Err(err).
				Str("subscription_id", sub.id).
				Str("event", sub.event).
				Send()
			return false
		}
	}
	return true
}

// Unsubscribe removes a subscription. A subscribe still waiting in the queue
// is dropped instead of sending both messages.
func (t *Transport) Unsubscribe(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i, sub := range t.subs {
		if sub.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	t.subs = append(t.subs[:idx:idx], t.subs[idx+1:]...)

	if t.dropQueuedLocked(protocol.TypeSubscribe, id) {
		return true
	}
	if err := t.sendLocked(&protocol.Unsubscribe{SubscriptionID: id}, id); err != nil {
		t.log.Warn("Unsubscribe not sent").Err(err).Str("subscription_id", id).Send()
	}
	return true
}

// Subscriptions returns the number of live subscriptions
func (t *Transport) Subscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// dispatchEvent delivers ev to matching subscriptions in registration order
func (t *Transport) dispatchEvent(ev protocol.RealtimeEvent) {
	t.mu.Lock()
	matched := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		if sub.event == ev.Event || sub.event == WildcardEvent {
			matched = append(matched, sub)
		}
	}
	t.mu.Unlock()

	for _, sub := range matched {
		sub := sub
		t.safeCall("subscription "+sub.id, func() {
			if sub.filter != nil && !sub.filter(ev) {
				return
			}
			sub.callback(ev)
		})
	}
	t.bus.Emit(EventRealtime, ev)
}
