// Package transport carries "{topic} pk pk ..." frames between the
// publisher process and replicators. The wire format is one UTF-8 text
// frame of whitespace-separated tokens: token 0 is the topic, the rest are
// stringified primary keys.
//
// Subscriptions match by topic prefix, so subscribing to "" receives
// everything and subscribing to "orders_" receives all order topics.
package transport

import (
	"errors"
	"strings"
)

// Pub is the outbound side: a fan-out publisher subscribers connect to.
type Pub interface {
	// Send publishes one frame for topic carrying pks.
	Send(topic string, pks ...string) error
	Close() error
}

// Sub is the inbound side: a subscriber following one or more publishers.
type Sub interface {
	// Subscribe adds a topic prefix filter. Subscribing before or after
	// Connect both work.
	Subscribe(topic string)
	// Connect attaches to the given publisher addresses.
	Connect(addrs ...string) error
	// Recv blocks for the next frame.
	Recv() (string, error)
	Close() error
}

// ErrClosed is returned by Recv after the subscriber closes.
var ErrClosed = errors.New("transport: closed")

// Frame renders a message in wire format.
func Frame(topic string, pks []string) string {
	if len(pks) == 0 {
		return topic
	}
	return topic + " " + strings.Join(pks, " ")
}

// ParseFrame splits a frame into topic and pks. Frames with fewer than two
// tokens are malformed.
func ParseFrame(msg string) (string, []string, bool) {
	tokens := strings.Fields(msg)
	if len(tokens) < 2 {
		return "", nil, false
	}
	return tokens[0], tokens[1:], true
}

// matches reports whether topic passes any of the subscribed prefixes.
func matches(topics []string, topic string) bool {
	for _, prefix := range topics {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}
