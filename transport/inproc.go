package transport

import (
	"sync"
)

// InprocPub is an in-process Pub used by tests and single-process
// pipelines. Frames are delivered over buffered channels to every attached
// subscriber whose prefixes match.
type InprocPub struct {
	mu     sync.Mutex
	subs   []*InprocSub
	closed bool
}

func NewInprocPub() *InprocPub {
	return &InprocPub{}
}

// NewInprocPair returns a pub and an attached sub.
func NewInprocPair() (*InprocPub, *InprocSub) {
	p := NewInprocPub()
	return p, p.NewSub()
}

// NewSub attaches a new subscriber to the pub.
func (p *InprocPub) NewSub() *InprocSub {
	s := &InprocSub{ch: make(chan string, 1024)}
	p.mu.Lock()
	p.subs = append(p.subs, s)
	p.mu.Unlock()
	return s
}

func (p *InprocPub) Send(topic string, pks ...string) error {
	frame := Frame(topic, pks)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	for _, s := range p.subs {
		s.deliver(frame, topic)
	}
	return nil
}

func (p *InprocPub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, s := range p.subs {
		s.closeCh()
	}
	p.subs = nil
	return nil
}

// InprocSub receives frames from an InprocPub.
type InprocSub struct {
	mu     sync.Mutex
	topics []string
	ch     chan string
	closed bool
}

func (s *InprocSub) Subscribe(topic string) {
	s.mu.Lock()
	s.topics = append(s.topics, topic)
	s.mu.Unlock()
}

// Connect is a no-op; inproc subs attach at construction.
func (s *InprocSub) Connect(addrs ...string) error { return nil }

func (s *InprocSub) deliver(frame, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !matches(s.topics, topic) {
		return
	}
	s.ch <- frame
}

func (s *InprocSub) Recv() (string, error) {
	frame, ok := <-s.ch
	if !ok {
		return "", ErrClosed
	}
	return frame, nil
}

func (s *InprocSub) closeCh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *InprocSub) Close() error {
	s.closeCh()
	return nil
}
