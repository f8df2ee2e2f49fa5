// Package pubsub provides a small typed fan-out used to broadcast status
// updates and transcript fragments to a dynamic set of observers.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Publisher[E any] interface {
	Publish(evt E)
}

type Subscriber[E any] interface {
	Subscribe(ctx context.Context) Subscription[E]
}

type Subscription[E any] interface {
	ResultChan() <-chan E
	Stop()
}

type PubSub[E any] struct {
	mutex         sync.RWMutex
	subscriptions map[int64]*subscription[E]
	seq           int64
	stopped       bool
}

func New[E any]() *PubSub[E] {
	return &PubSub[E]{subscriptions: map[int64]*subscription[E]{}}
}

func (p *PubSub[E]) Stop() {
	p.mutex.Lock()
	subs := make([]*subscription[E], 0, len(p.subscriptions))
	for _, s := range p.subscriptions {
		subs = append(subs, s)
	}
	p.stopped = true
	p.mutex.Unlock()

	for _, s := range subs {
		s.Stop()
	}
}

func (p *PubSub[E]) Subscribe(ctx context.Context) Subscription[E] {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.stopped {
		return noopSubscription[E]("noop-subscription")
	}

	p.seq++

	ctx, cancel := context.WithCancel(ctx)
	s := &subscription[E]{
		id:     p.seq,
		cancel: cancel,
		pubsub: p,
		ch:     make(chan E, 10),
	}
	p.subscriptions[s.id] = s

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s
}

func (p *PubSub[E]) Publish(evt E) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.stopped {
		return
	}

	for _, s := range p.subscriptions {
		select {
		case s.ch <- evt:
		case <-time.After(5 * time.Second):
			slog.Warn(fmt.Sprintf("kicking subscriber %d since it did not accept the event within 5s", s.id))
			go s.Stop()
		}
	}
}

type subscription[E any] struct {
	pubsub *PubSub[E]
	id     int64
	cancel context.CancelFunc
	ch     chan E
	once   sync.Once
}

// Stop unregisters the subscription and closes its channel. The write lock
// guarantees no Publish call is sending while the channel closes.
func (s *subscription[E]) Stop() {
	s.once.Do(func() {
		s.pubsub.mutex.Lock()
		delete(s.pubsub.subscriptions, s.id)
		close(s.ch)
		s.pubsub.mutex.Unlock()
		s.cancel()
	})
}

func (s *subscription[E]) ResultChan() <-chan E {
	return s.ch
}

type noopSubscription[E any] string

func (_ noopSubscription[E]) Stop() {}

func (_ noopSubscription[E]) ResultChan() <-chan E {
	ch := make(chan E)
	close(ch)
	return ch
}
