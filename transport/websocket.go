package transport

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samsarahq/go/oops"
	"golang.org/x/sync/errgroup"

	"github.com/samsarahq/meepo/logger"
)

const writeTimeout = time.Second

// WSPub is a websocket fan-out publisher. Subscribers dial in, declare
// their topic prefixes with "SUB <prefix>" control frames, and receive
// every matching frame. Dead connections are dropped on write failure.
type WSPub struct {
	upgrader websocket.Upgrader
	listener net.Listener
	server   *http.Server
	logger   logger.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn][]string
	closed bool
}

// NewWSPub binds a publisher at addr (host:port) and serves in the
// background.
func NewWSPub(addr string, l logger.Logger) (*WSPub, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, oops.Wrapf(err, "binding %s", addr)
	}

	p := &WSPub{
		listener: listener,
		logger:   logger.Prefixed(l, "meepo.transport.ws_pub"),
		conns:    make(map[*websocket.Conn][]string),
	}
	p.server = &http.Server{Handler: http.HandlerFunc(p.handle)}

	go func() {
		if err := p.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if !closed {
				p.logger.Error("serve failed", "error", err)
			}
		}
	}()

	return p, nil
}

// Addr returns the bound address, useful with ":0" binds.
func (p *WSPub) Addr() string { return p.listener.Addr().String() }

func (p *WSPub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("upgrade failed", "error", err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conns[conn] = nil
	p.mu.Unlock()

	// control frame reader; subscription state lives server-side like a
	// zmq SUB socket's filters
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		p.control(conn, string(msg))
	}

	p.drop(conn)
}

func (p *WSPub) control(conn *websocket.Conn, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case strings.HasPrefix(msg, "SUB "):
		p.conns[conn] = append(p.conns[conn], strings.TrimPrefix(msg, "SUB "))
	case msg == "SUB":
		p.conns[conn] = append(p.conns[conn], "")
	case strings.HasPrefix(msg, "UNSUB "):
		prefix := strings.TrimPrefix(msg, "UNSUB ")
		topics := p.conns[conn][:0]
		for _, t := range p.conns[conn] {
			if t != prefix {
				topics = append(topics, t)
			}
		}
		p.conns[conn] = topics
	default:
		p.logger.Warn("unknown control frame", "frame", msg)
	}
}

func (p *WSPub) drop(conn *websocket.Conn) {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	conn.Close()
}

// Send broadcasts one frame to every subscriber matching topic.
func (p *WSPub) Send(topic string, pks ...string) error {
	frame := []byte(Frame(topic, pks))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	var dead []*websocket.Conn
	for conn, topics := range p.conns {
		if !matches(topics, topic) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			p.logger.Warn("dropping dead subscriber", "error", err)
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		delete(p.conns, conn)
		conn.Close()
	}
	p.mu.Unlock()
	return nil
}

func (p *WSPub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for conn := range p.conns {
		conn.Close()
	}
	p.conns = nil
	p.mu.Unlock()
	return p.server.Close()
}

type wsFrame struct {
	msg string
	err error
}

// WSSub subscribes to one or more WSPub publishers and fans their frames
// into a single Recv stream.
type WSSub struct {
	logger logger.Logger

	mu     sync.Mutex
	topics []string
	conns  []*websocket.Conn
	closed bool

	ch   chan wsFrame
	done chan struct{}
}

func NewWSSub(l logger.Logger) *WSSub {
	return &WSSub{
		logger: logger.Prefixed(l, "meepo.transport.ws_sub"),
		ch:     make(chan wsFrame, 1024),
		done:   make(chan struct{}),
	}
}

// Subscribe adds a topic prefix, forwarding it to connected publishers.
func (s *WSSub) Subscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	for _, conn := range s.conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, []byte("SUB "+topic)); err != nil {
			s.logger.Warn("subscribe failed", "topic", topic, "error", err)
		}
	}
}

// Connect dials each publisher address ("host:port" or "ws://host:port")
// and replays the current subscriptions.
func (s *WSSub) Connect(addrs ...string) error {
	for _, addr := range addrs {
		if !strings.Contains(addr, "://") {
			addr = "ws://" + addr
		}
		conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
		if err != nil {
			return oops.Wrapf(err, "connecting %s", addr)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return ErrClosed
		}
		s.conns = append(s.conns, conn)
		for _, topic := range s.topics {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("SUB "+topic)); err != nil {
				s.logger.Warn("subscribe failed", "topic", topic, "error", err)
			}
		}
		s.mu.Unlock()

		go s.readLoop(conn)
	}
	return nil
}

func (s *WSSub) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case s.ch <- wsFrame{err: oops.Wrapf(err, "reading frame")}:
			case <-s.done:
			}
			return
		}
		select {
		case s.ch <- wsFrame{msg: string(msg)}:
		case <-s.done:
			return
		}
	}
}

// Recv blocks for the next frame from any connected publisher. After Close
// it returns ErrClosed.
func (s *WSSub) Recv() (string, error) {
	select {
	case <-s.done:
		return "", ErrClosed
	default:
	}
	select {
	case frame := <-s.ch:
		return frame.msg, frame.err
	case <-s.done:
		return "", ErrClosed
	}
}

func (s *WSSub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	close(s.done)
	return nil
}

// Proxy bridges publishers to a new fan-out point: it subscribes to
// everything at the frontend addresses and rebroadcasts on a publisher
// bound at backendAddr, so many publishers can feed many replicators
// through one device.
func Proxy(ctx context.Context, backendAddr string, frontendAddrs []string, l logger.Logger) error {
	pub, err := NewWSPub(backendAddr, l)
	if err != nil {
		return err
	}

	sub := NewWSSub(l)
	sub.Subscribe("")
	if err := sub.Connect(frontendAddrs...); err != nil {
		pub.Close()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		sub.Close()
		pub.Close()
		return nil
	})
	g.Go(func() error {
		for {
			msg, err := sub.Recv()
			if err != nil {
				if err == ErrClosed || ctx.Err() != nil {
					return nil
				}
				return err
			}
			topic, pks, ok := ParseFrame(msg)
			if !ok {
				continue
			}
			if err := pub.Send(topic, pks...); err != nil && err != ErrClosed {
				return err
			}
		}
	})
	return g.Wait()
}
