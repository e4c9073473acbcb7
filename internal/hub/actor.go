package hub

import "sync"

const defaultInboxSize = 1024

// actor owns a service's state on a single goroutine. Every read or write of
// that state happens inside a closure passed to call or post, so the maps it
// guards never need a lock.
type actor struct {
	inbox    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newActor() *actor {
	a := &actor{
		inbox: make(chan func(), defaultInboxSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.quit:
			for {
				select {
				case fn := <-a.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// call runs fn on the actor goroutine and blocks until it returns. It
// reports false when the actor stopped before fn could run. Must not be
// called from inside another closure of the same actor.
func (a *actor) call(fn func()) bool {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case a.inbox <- wrapped:
	case <-a.done:
		return false
	}

	select {
	case <-finished:
		return true
	case <-a.done:
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// post queues fn without waiting for it.
func (a *actor) post(fn func()) {
	select {
	case a.inbox <- fn:
	case <-a.done:
	}
}

func (a *actor) stop() {
	a.stopOnce.Do(func() { close(a.quit) })
	<-a.done
}
