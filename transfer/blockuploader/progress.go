package blockuploader

import "sync"

// progressPump delivers progress reports on its own goroutine so a slow observer never
// holds up a block upload. Reports are queued without bound and delivered in order.
type progressPump struct {
	fn      ProgressFunc
	mu      sync.Mutex
	queue   []int64
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

func newProgressPump(fn ProgressFunc) *progressPump {
	p := &progressPump{
		fn:      fn,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	if fn == nil {
		close(p.stopped)
		return p
	}
	go p.run()
	return p
}

func (p *progressPump) report(n int64) {
	if p.fn == nil {
		return
	}

	p.mu.Lock()
	p.queue = append(p.queue, n)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// close waits until every queued report has been delivered.
func (p *progressPump) close() {
	if p.fn == nil {
		return
	}

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	<-p.stopped
}

func (p *progressPump) run() {
	defer close(p.stopped)

	for range p.wake {
		p.mu.Lock()
		pending := p.queue
		p.queue = nil
		closed := p.closed
		p.mu.Unlock()

		for _, n := range pending {
			p.fn(n)
		}

		// nothing is reported after close, so the queue is empty here
		if closed {
			return
		}
	}
}
