package broker

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker hands out fake connections and records what happened to them.
type fakeBroker struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
	events   []string
}

func (b *fakeBroker) dial(string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failures > 0 {
		b.failures--
		return nil, errors.New("connection refused")
	}
	conn := &fakeConn{broker: b}
	conn.ch = &fakeChannel{broker: b, deliveries: make(chan amqp.Delivery, 16)}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) record(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) latest() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

type fakeConn struct {
	broker  *fakeBroker
	ch      *fakeChannel
	mu      sync.Mutex
	closed  bool
	closes  []chan *amqp.Error
	blocked []chan amqp.Blocking
}

func (c *fakeConn) Channel() (Channel, error) { return c.ch, nil }

func (c *fakeConn) NotifyClose(r chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, r)
	return r
}

func (c *fakeConn) NotifyBlocked(r chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = append(c.blocked, r)
	return r
}

func (c *fakeConn) Close() error {
	if !c.shutdown(nil) {
		return amqp.ErrClosed
	}
	c.broker.record("connection.close")
	return nil
}

// drop simulates the broker going away.
func (c *fakeConn) drop() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"})
}

func (c *fakeConn) block(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blocked {
		b <- amqp.Blocking{Active: active, Reason: "memory alarm"}
	}
}

func (c *fakeConn) shutdown(err *amqp.Error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	closes, blocked := c.closes, c.blocked
	c.closes, c.blocked = nil, nil
	c.mu.Unlock()

	c.ch.shutdown()
	for _, n := range closes {
		if err != nil {
			n <- err
		}
		close(n)
	}
	for _, n := range blocked {
		close(n)
	}
	return true
}

type published struct {
	exchange  string
	key       string
	mandatory bool
	msg       amqp.Publishing
}

type fakeChannel struct {
	broker     *fakeBroker
	mu         sync.Mutex
	closed     bool
	exchanges  []string
	queues     map[string]bool
	bindings   []string
	qos        int
	published  []published
	publishErr error
	deliveries chan amqp.Delivery
	closes     []chan *amqp.Error
	flows      []chan bool
	returns    []chan amqp.Return
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !durable {
		return errors.New("exchange must be durable")
	}
	f.exchanges = append(f.exchanges, name+":"+kind)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if f.queues == nil {
		f.queues = map[string]bool{}
	}
	f.queues[name] = durable
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.bindings = append(f.bindings, exchange+"/"+key+"->"+name)
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qos = prefetchCount
	return nil
}

func (f *fakeChannel) ConsumeWithContext(_ context.Context, _, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, amqp.ErrClosed
	}
	if autoAck {
		return nil, errors.New("auto-ack is not allowed")
	}
	return f.deliveries, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, mandatory: mandatory, msg: msg})
	return nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, c)
	return c
}

func (f *fakeChannel) NotifyFlow(c chan bool) chan bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flows = append(f.flows, c)
	return c
}

func (f *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returns = append(f.returns, c)
	return c
}

func (f *fakeChannel) Close() error {
	if !f.shutdown() {
		return amqp.ErrClosed
	}
	f.broker.record("channel.close")
	return nil
}

func (f *fakeChannel) shutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.closed = true
	close(f.deliveries)
	for _, c := range f.closes {
		close(c)
	}
	for _, c := range f.flows {
		close(c)
	}
	for _, c := range f.returns {
		close(c)
	}
	return true
}

func (f *fakeChannel) publishedMessages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

// fakeAck records how deliveries were settled.
type fakeAck struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue map[uint64]bool
}

func newFakeAck() *fakeAck { return &fakeAck{requeue: map[uint64]bool{}} }

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue[tag] = requeue
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAck) settled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked) + len(a.nacked)
}
