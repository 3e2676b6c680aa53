package batch

import "sync"

// Progress is an unbounded FIFO of events with a single producer.
// Consumers drain it without blocking; Notify can be used to wait for new events.
type Progress struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewProgress creates an empty progress channel
func NewProgress() *Progress {
	return &Progress{notify: make(chan struct{}, 1)}
}

// Push appends an event
func (p *Progress) Push(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns every queued event in production order
func (p *Progress) Drain() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := p.events
	p.events = nil
	return events
}

// Len returns the number of queued events
func (p *Progress) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// Notify is signalled after a push. Several pushes may coalesce into one signal.
func (p *Progress) Notify() <-chan struct{} {
	return p.notify
}
