package render

import (
	"context"
	"errors"
	"sync"

	"shutter/internal/platform/logger"
	"shutter/internal/platform/metrics"
)

// ErrPoolExhausted is returned when no browser frees up before the
// checkout deadline
var ErrPoolExhausted = errors.New("browser pool exhausted")

// ErrPoolClosed is returned once Shutdown has run
var ErrPoolClosed = errors.New("browser pool closed")

// Pool is a bounded set of reusable Browser instances. Instances are
// created lazily up to the cap; unhealthy returns are closed and their slot
// freed for a lazy replacement.
type Pool struct {
	factory Factory
	log     logger.Logger

	mu      sync.Mutex
	created int
	max     int
	closed  bool

	ready chan Browser
}

// NewPool builds an empty pool of at most max instances
func NewPool(factory Factory, max int, log logger.Logger) *Pool {
	if max <= 0 {
		max = 3
	}
	return &Pool{
		factory: factory,
		log:     log,
		max:     max,
		ready:   make(chan Browser, max),
	}
}

// Checkout hands out a browser, creating one if the cap allows, otherwise
// blocking until one is returned or ctx expires. Expiry surfaces as
// ErrPoolExhausted.
func (p *Pool) Checkout(ctx context.Context) (Browser, error) {
	select {
	case b := <-p.ready:
		metrics.BrowserCheckedOut()
		return b, nil
	default:
	}

	if b, handled, err := p.tryCreate(ctx); handled {
		if err != nil {
			return nil, err
		}
		metrics.BrowserCheckedOut()
		return b, nil
	}

	select {
	case b := <-p.ready:
		metrics.BrowserCheckedOut()
		return b, nil
	case <-ctx.Done():
		return nil, ErrPoolExhausted
	}
}

// tryCreate makes a new instance when the cap allows; handled is false when
// the pool is full and the caller should wait instead
func (p *Pool) tryCreate(ctx context.Context) (Browser, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, true, ErrPoolClosed
	}
	if p.created >= p.max {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.created++
	p.mu.Unlock()

	b, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return nil, true, WrapErr(KindInternal, err, "create browser")
	}
	p.log.Debug().Str("browser_id", b.ID()).Msg("browser created")
	return b, true, nil
}

// Return gives a browser back. Healthy instances rejoin the ready list;
// anything else is closed and its slot freed so Checkout can replace it.
func (p *Pool) Return(b Browser, healthy bool) {
	metrics.BrowserReturned()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed || !healthy || !b.Healthy() {
		p.discard(b)
		return
	}

	select {
	case p.ready <- b:
	default:
		// cap shrank or double return; do not leak the instance
		p.discard(b)
	}
}

// Size reports how many instances currently exist
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Shutdown closes every pooled instance and rejects future checkouts.
// Instances still checked out are closed as they come back.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case b := <-p.ready:
			p.discard(b)
		default:
			return
		}
	}
}

func (p *Pool) discard(b Browser) {
	if err := b.Close(); err != nil {
		p.log.Warn().Err(err).Str("browser_id", b.ID()).Msg("close browser")
	}
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
}
