package membership

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const eventBufferSize = 1024

// publisher delivers membership events to subscribers on a dedicated
// goroutine, decoupling subscriber latency from the protocol scheduler.
// Subscribers see events in the order they were posted.
type publisher struct {
	logger log.Logger

	mut       sync.Mutex
	nextID    ListenerID
	listeners map[ListenerID]func(Event)
	closed    bool

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

func newPublisher(logger log.Logger) *publisher {
	p := &publisher{
		logger:    logger,
		listeners: make(map[ListenerID]func(Event)),
		events:    make(chan Event, eventBufferSize),
		done:      make(chan struct{}),
	}

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		p.dispatch()
	}()

	return p
}

func (p *publisher) dispatch() {
	for {
		select {
		case event := <-p.events:
			p.deliver(event)
		case <-p.done:
			return
		}
	}
}

func (p *publisher) deliver(event Event) {
	p.mut.Lock()
	listeners := make([]func(Event), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mut.Unlock()

	for _, fn := range listeners {
		p.invoke(fn, event)
	}
}

func (p *publisher) invoke(fn func(Event), event Event) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(p.logger).Log("msg", "event listener panicked", "panic", r)
		}
	}()

	fn(event)
}

func (p *publisher) Subscribe(fn func(Event)) ListenerID {
	p.mut.Lock()
	defer p.mut.Unlock()

	p.nextID++
	id := p.nextID
	p.listeners[id] = fn

	return id
}

func (p *publisher) Unsubscribe(id ListenerID) {
	p.mut.Lock()
	defer p.mut.Unlock()

	delete(p.listeners, id)
}

// Publish enqueues an event for delivery. Events published after Close are
// silently dropped, which makes late completions during leave harmless.
func (p *publisher) Publish(event Event) {
	p.mut.Lock()
	closed := p.closed
	p.mut.Unlock()

	if closed {
		return
	}

	select {
	case p.events <- event:
	case <-p.done:
	}
}

func (p *publisher) Close() {
	p.mut.Lock()

	if p.closed {
		p.mut.Unlock()
		return
	}

	p.closed = true
	p.mut.Unlock()

	close(p.done)
	p.wg.Wait()
}
