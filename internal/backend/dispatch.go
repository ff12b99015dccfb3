package backend

import (
	"sync"

	"github.com/google/uuid"
)

type subscriber struct {
	kind NotificationKind
	fn   func(Notification)
}

// Dispatcher fans notifications out to subscribed handlers on a single
// delivery goroutine, preserving publish order. Handlers removed with
// Unsubscribe receive nothing published afterwards.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[SubscriptionID]subscriber

	queue     chan Notification
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewDispatcher(buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		subscribers: make(map[SubscriptionID]subscriber),
		queue:       make(chan Notification, buffer),
		done:        make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) Subscribe(kind NotificationKind, fn func(Notification)) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	d.mu.Lock()
	d.subscribers[id] = subscriber{kind: kind, fn: fn}
	d.mu.Unlock()
	return id
}

func (d *Dispatcher) Unsubscribe(id SubscriptionID) {
	d.mu.Lock()
	delete(d.subscribers, id)
	d.mu.Unlock()
}

// Publish enqueues n for delivery. It blocks while the queue is full and
// drops n once the dispatcher is closed.
func (d *Dispatcher) Publish(n Notification) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.queue <- n:
	case <-d.done:
	}
}

func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case n := <-d.queue:
			d.deliver(n)
		}
	}
}

func (d *Dispatcher) deliver(n Notification) {
	d.mu.RLock()
	fns := make([]func(Notification), 0, len(d.subscribers))
	for _, s := range d.subscribers {
		if s.kind == n.Kind {
			fns = append(fns, s.fn)
		}
	}
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}
