// Package cbus implements the in-process typed message bus that connects
// the three named endpoints of the engine (tx, wal, relay/<id>). It maps
// the spec's cooperative-fiber choreography onto goroutines and channels,
// per the design notes in §9: one goroutine per endpoint, one channel per
// pipe, FIFO within a pipe, independent ordering across pipes.
package cbus

import (
	"context"
	"fmt"
	"sync"
)

// pipeCapacity bounds how many in-flight messages a single pipe may queue
// before Push blocks. The WAL pipe in particular is meant to carry at most
// one open batch at a time (§4.2), so a small buffer is enough to avoid
// needless backpressure on bursts of rotate/sync control messages.
const pipeCapacity = 64

// Hop is one step of a Message's route: run the named handler on the
// endpoint currently holding the message, then forward to Next (or stop if
// Next is empty).
type Hop struct {
	Handler string
	Next    string
}

// Message is a small owned record carrying an inline route. Handlers read
// and mutate Payload as they see fit; the bus only manages routing.
type Message struct {
	Route   []Hop
	Payload interface{}

	// Priority routes the next hop over the endpoint pair's priority pipe
	// instead of its regular pipe. Priority-pipe handlers must not suspend
	// (must not block on I/O, locks held elsewhere, or a nested Call).
	Priority bool

	hop   int
	reply chan *Message
	err   error
}

// Err returns the error a handler attached to this message, if any.
func (m *Message) Err() error { return m.err }

// Fail attaches an error to the message and reports it to the caller once
// the route finishes (or immediately, for a direct reply).
func (m *Message) Fail(err error) { m.err = err }

// CurrentHop returns the hop the dispatcher is about to run.
func (m *Message) CurrentHop() Hop { return m.Route[m.hop] }

// Handler processes a message at one hop. ctx is the endpoint's run
// context; handlers on a priority pipe must return promptly without
// suspending.
type Handler func(ctx context.Context, msg *Message)

type pipeKey struct {
	from, to string
	priority bool
}

type pipe struct {
	ch chan *Message
}

// Bus owns every endpoint and pipe in the process.
type Bus struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	pipes     map[pipeKey]*pipe
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		endpoints: make(map[string]*Endpoint),
		pipes:     make(map[pipeKey]*pipe),
	}
}

// Endpoint returns the named endpoint, creating it if it does not yet
// exist. Endpoint names are the protocol's addresses: "tx", "wal",
// "relay/<id>".
func (b *Bus) Endpoint(name string) *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.endpoints[name]; ok {
		return e
	}
	e := &Endpoint{
		name:     name,
		bus:      b,
		handlers: make(map[string]Handler),
		inbox:    make(chan *Message, pipeCapacity),
		priority: make(chan *Message, pipeCapacity),
		stop:     make(chan struct{}),
	}
	b.endpoints[name] = e
	return e
}

// Pair returns a Pipe handle that pushes from `from` into `to`, over the
// destination endpoint's regular or priority channel. It creates no
// channels itself, so calling Pair repeatedly for the same (from, to) is
// safe and returns equivalent handles.
func (b *Bus) Pair(from, to string) *Pipe {
	return &Pipe{bus: b, from: from, to: to}
}

// RemoveEndpoint deletes all pipes that target the endpoint and forgets it,
// used when unpairing a stopped relay (§4.8 exit path).
func (b *Bus) RemoveEndpoint(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.pipes {
		if k.from == name || k.to == name {
			delete(b.pipes, k)
		}
	}
	delete(b.endpoints, name)
}

func (b *Bus) resolveChan(to string, priority bool) chan *Message {
	b.mu.Lock()
	e, ok := b.endpoints[to]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if priority {
		return e.priority
	}
	return e.inbox
}

// Pipe is a caller-held handle for pushing messages from one endpoint to
// another. It does not itself hold any channel resources; those live on
// the destination Endpoint, so a Pipe obtained before the destination
// endpoint exists still works once it does.
type Pipe struct {
	bus      *Bus
	from, to string
}

// Push delivers msg to the destination endpoint's mailbox, selecting the
// priority or regular channel per msg.Priority. It never blocks the route
// logic on the pipe the target endpoint reads from; only the bus buffer can
// exert backpressure.
func (p *Pipe) Push(msg *Message) error {
	ch := p.bus.resolveChan(p.to, msg.Priority)
	if ch == nil {
		return fmt.Errorf("cbus: unknown endpoint %q", p.to)
	}
	ch <- msg
	return nil
}

// Call pushes msg and blocks until its route completes and a reply is
// available, or ctx is cancelled. It must only be used by a fiber that can
// suspend without holding a structural invariant (§4.1).
func (p *Pipe) Call(ctx context.Context, msg *Message) (*Message, error) {
	msg.reply = make(chan *Message, 1)
	if err := p.Push(msg); err != nil {
		return nil, err
	}
	select {
	case reply := <-msg.reply:
		return reply, reply.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Endpoint is a long-lived named actor: one goroutine draining its inbound
// pipes and dispatching each message's current hop.
type Endpoint struct {
	name     string
	bus      *Bus
	mu       sync.Mutex
	handlers map[string]Handler

	inbox    chan *Message
	priority chan *Message
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Name returns the endpoint's bus address.
func (e *Endpoint) Name() string { return e.name }

// HandleFunc registers the handler invoked when a message's current hop
// names this handler.
func (e *Endpoint) HandleFunc(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

// Run starts the endpoint's dispatch loop. It returns immediately; the loop
// runs until ctx is cancelled or Stop is called.
func (e *Endpoint) Run(ctx context.Context) {
	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop requests the dispatch loop to exit and waits for it to do so.
func (e *Endpoint) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Endpoint) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		// Priority messages are drained ahead of the regular pipe within
		// each scheduling round, per §4.1: a non-blocking check first, so
		// a backlog of priority traffic can never be starved by a single
		// regular message being selected at random by Go's select.
		select {
		case msg := <-e.priority:
			e.dispatch(ctx, msg)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case msg := <-e.priority:
			e.dispatch(ctx, msg)
		case msg := <-e.inbox:
			e.dispatch(ctx, msg)
		}
	}
}

// DrainReady non-blockingly drains every message currently queued on the
// endpoint's regular pipe. A handler processing one message can call this to
// coalesce a backlog that arrived concurrently into a single unit of work —
// the WAL write handler's batching (§4.2: "if the wal pipe's head message is
// still an open batch, append the entry to it") is modeled this way, since a
// Go channel has no notion of "the pipe's current head batch" to inspect.
func (e *Endpoint) DrainReady() []*Message {
	var out []*Message
	for {
		select {
		case msg := <-e.inbox:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func (e *Endpoint) dispatch(ctx context.Context, msg *Message) {
	if msg.hop >= len(msg.Route) {
		e.complete(msg)
		return
	}
	hop := msg.Route[msg.hop]

	e.mu.Lock()
	h, ok := e.handlers[hop.Handler]
	e.mu.Unlock()
	if !ok {
		msg.Fail(fmt.Errorf("cbus: endpoint %q has no handler %q", e.name, hop.Handler))
		e.complete(msg)
		return
	}
	h(ctx, msg)
	msg.hop++

	if hop.Next == "" {
		e.complete(msg)
		return
	}
	pipe := e.bus.Pair(e.name, hop.Next)
	if err := pipe.Push(msg); err != nil {
		msg.Fail(err)
		e.complete(msg)
	}
}

func (e *Endpoint) complete(msg *Message) {
	if msg.reply != nil {
		msg.reply <- msg
	}
}
