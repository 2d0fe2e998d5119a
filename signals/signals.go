// Package signals provides the in-process fan-out bus that connects
// publishers to subscribers. A signal is a string name; sending a signal
// invokes every connected handler synchronously on the caller's stack, in
// registration order.
//
// Handlers may be bound to a specific sender. A sender-bound handler only
// fires when the sending side passes a matching sender to SendFrom. Sender
// identity uses a stable key: values implementing NamedSender are keyed by
// their name, everything else by the (comparable) value itself. This lets a
// subscriber follow session_prepare signals of one session factory while
// ignoring all others.
//
// Subscriptions are always strong references; handlers persist until
// explicitly disconnected.
package signals

import (
	"sync"
)

// Handler receives a signal. sender is nil for Send; payload carries the
// signal value (a pk, an events.RawRow, a prepare record, ...).
type Handler func(sender, payload interface{})

// NamedSender lets a sender expose a stable identity name so that
// reconstructed sender values still match existing subscriptions.
type NamedSender interface {
	SenderName() string
}

// senderKey computes the stable identity key of a sender.
func senderKey(sender interface{}) interface{} {
	if named, ok := sender.(NamedSender); ok {
		return named.SenderName()
	}
	return sender
}

type subscription struct {
	id        int
	handler   Handler
	hasSender bool
	sender    interface{}
}

// Bus is a process-local signal registry.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Connect registers handler for name, firing on every send. The returned
// id can be passed to Disconnect.
func (b *Bus) Connect(name string, handler Handler) int {
	return b.connect(name, handler, false, nil)
}

// ConnectTo registers handler for name, firing only when the signal is
// sent from a sender with the same identity key.
func (b *Bus) ConnectTo(name string, sender interface{}, handler Handler) int {
	return b.connect(name, handler, true, senderKey(sender))
}

func (b *Bus) connect(name string, handler Handler, hasSender bool, key interface{}) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[name] = append(b.subs[name], subscription{
		id:        b.nextID,
		handler:   handler,
		hasSender: hasSender,
		sender:    key,
	})
	return b.nextID
}

// Disconnect removes the subscription with the given id from name.
func (b *Bus) Disconnect(name string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[name]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[name] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Send fires name with payload and no sender. Sender-bound handlers do not
// fire.
func (b *Bus) Send(name string, payload interface{}) {
	b.SendFrom(name, nil, payload)
}

// SendFrom fires name with payload from sender. Handlers with no sender
// filter always fire; filtered handlers fire when the sender matches.
func (b *Bus) SendFrom(name string, sender, payload interface{}) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs[name]))
	copy(subs, b.subs[name])
	b.mu.Unlock()

	var key interface{}
	if sender != nil {
		key = senderKey(sender)
	}

	for _, sub := range subs {
		if sub.hasSender && (sender == nil || sub.sender != key) {
			continue
		}
		sub.handler(sender, payload)
	}
}

// Default is the process-wide bus, mirroring the usual single signal
// namespace. Components accept a *Bus and fall back to Default when nil.
var Default = NewBus()

// Connect registers handler for name on the default bus.
func Connect(name string, handler Handler) int { return Default.Connect(name, handler) }

// ConnectTo registers a sender-bound handler on the default bus.
func ConnectTo(name string, sender interface{}, handler Handler) int {
	return Default.ConnectTo(name, sender, handler)
}

// Disconnect removes a subscription from the default bus.
func Disconnect(name string, id int) { Default.Disconnect(name, id) }

// Send fires name on the default bus.
func Send(name string, payload interface{}) { Default.Send(name, payload) }

// SendFrom fires name from sender on the default bus.
func SendFrom(name string, sender, payload interface{}) { Default.SendFrom(name, sender, payload) }
