// Package sub contains ready-made signal subscribers: relaying pk signals
// onto a transport, checkpointing the binlog position, and dumping events
// for debugging.
package sub

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-redis/redis/v8"
	"github.com/samsarahq/go/oops"

	"github.com/samsarahq/meepo/events"
	"github.com/samsarahq/meepo/logger"
	"github.com/samsarahq/meepo/signals"
	"github.com/samsarahq/meepo/transport"
)

// Transport relays every "{table}_{action}" pk signal of the given tables
// onto p, one frame per pk. Send errors are logged and swallowed: the
// handler runs inside the publisher's transaction boundary and must not
// block it.
func Transport(bus *signals.Bus, p transport.Pub, l logger.Logger, tables ...string) {
	if bus == nil {
		bus = signals.Default
	}
	log := logger.Prefixed(l, "meepo.sub.transport")

	for _, table := range tables {
		for _, action := range events.Actions {
			topic := events.Topic(table, action)
			bus.Connect(topic, func(sender, payload interface{}) {
				if err := p.Send(topic, events.PKString(payload)); err != nil {
					log.Error("send failed", "topic", topic, "error", err)
				}
			})
		}
	}
}

// Dummy logs every pk signal of the given tables and spew-dumps the raw
// payloads, for development.
func Dummy(bus *signals.Bus, l logger.Logger, tables ...string) {
	if bus == nil {
		bus = signals.Default
	}
	log := logger.Prefixed(l, "meepo.sub.dummy")

	for _, table := range tables {
		for _, action := range events.Actions {
			topic := events.Topic(table, action)
			bus.Connect(topic, func(sender, payload interface{}) {
				log.Info(topic, "pk", events.PKString(payload))
			})
			bus.Connect(events.RawTopic(table, action), func(sender, payload interface{}) {
				log.Debug(topic+"_raw", "row", spew.Sdump(payload))
			})
		}
	}
}

// BinlogPos checkpoints every mysql_binlog_pos signal into Redis under
// key, so a restarted binlog publisher can resume from it.
func BinlogPos(bus *signals.Bus, redisDSN, key string, l logger.Logger) error {
	if bus == nil {
		bus = signals.Default
	}
	log := logger.Prefixed(l, "meepo.sub.binlog_pos")

	opts, err := redis.ParseURL(redisDSN)
	if err != nil {
		return oops.Wrapf(err, "parsing redis dsn")
	}
	opts.DialTimeout = time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	client := redis.NewClient(opts)

	bus.Connect(events.SignalBinlogPos, func(sender, payload interface{}) {
		pos := payload.(events.BinlogPos)
		if err := client.Set(context.Background(), key, pos.String(), 0).Err(); err != nil {
			log.Error("checkpoint failed", "pos", pos.String(), "error", err)
		}
	})
	return nil
}

// LoadBinlogPos reads back a checkpoint stored by BinlogPos; a missing key
// returns nil.
func LoadBinlogPos(redisDSN, key string) (*events.BinlogPos, error) {
	opts, err := redis.ParseURL(redisDSN)
	if err != nil {
		return nil, oops.Wrapf(err, "parsing redis dsn")
	}
	client := redis.NewClient(opts)
	defer client.Close()

	value, err := client.Get(context.Background(), key).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, oops.Wrapf(err, "loading checkpoint %s", key)
	}

	idx := strings.LastIndex(value, ":")
	if idx < 0 {
		return nil, oops.Errorf("corrupt checkpoint %q", value)
	}
	pos, err := strconv.ParseUint(value[idx+1:], 10, 32)
	if err != nil {
		return nil, oops.Errorf("corrupt checkpoint %q", value)
	}
	return &events.BinlogPos{File: value[:idx], Pos: uint32(pos)}, nil
}
