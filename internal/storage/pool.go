package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// connPool is a small bounded pool of *sql.Conn, shaped after the generic
// object-pool contract (Checkout/Checkin, Min/Max, grow-on-exhaustion) used
// across the example pack's pool package, specialized here to SQL
// connections instead of being imported generically.
//
// acquire takes an idle connection with a bounded wait; on timeout it may
// grow the pool up to max under an exclusive lock, otherwise it fails with
// ErrPoolExhausted. release returns the connection to the idle set, or
// re-opens it first if found unusable.
type connPool struct {
	db *sql.DB

	acquireTimeout time.Duration

	mu      sync.Mutex
	idle    []*sql.Conn
	inUse   int
	n       int // total live connections (idle + inUse)
	max     int
	closed  bool
	growMu  sync.Mutex
	waiters chan struct{} // buffered signal channel woken on release
}

// ErrPoolExhausted is returned by acquire when the pool cannot grow further
// within the acquire timeout.
var ErrPoolExhausted = fmt.Errorf("storage: connection pool exhausted")

func newConnPool(db *sql.DB, idleSize, growBy int, acquireTimeout time.Duration) (*connPool, error) {
	p := &connPool{
		db:             db,
		acquireTimeout: acquireTimeout,
		max:            idleSize + growBy,
		waiters:        make(chan struct{}, 1),
	}
	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()
	for i := 0; i < idleSize; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			p.closeAll()
			return nil, fmt.Errorf("storage: open pool connection: %w", err)
		}
		p.idle = append(p.idle, conn)
		p.n++
	}
	return p, nil
}

func (p *connPool) acquire(ctx context.Context) (*sql.Conn, error) {
	deadline := time.Now().Add(p.acquireTimeout)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("storage: pool closed")
		}
		if len(p.idle) > 0 {
			conn := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.inUse++
			p.mu.Unlock()
			return conn, nil
		}
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return p.grow(ctx)
		}

		select {
		case <-p.waiters:
		case <-time.After(remaining):
			return p.grow(ctx)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// grow is the single-holder exclusive path: at most one acquire at a time
// may add a connection beyond the idle floor, up to max.
func (p *connPool) grow(ctx context.Context) (*sql.Conn, error) {
	p.growMu.Lock()
	defer p.growMu.Unlock()

	p.mu.Lock()
	if len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.inUse++
		p.mu.Unlock()
		return conn, nil
	}
	if p.n >= p.max {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.mu.Unlock()

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: grow pool: %w", err)
	}
	p.mu.Lock()
	p.n++
	p.inUse++
	p.mu.Unlock()
	return conn, nil
}

func (p *connPool) release(conn *sql.Conn) {
	if conn.PingContext(context.Background()) != nil {
		_ = conn.Close()
		newConn, err := p.db.Conn(context.Background())
		if err != nil {
			p.mu.Lock()
			p.n--
			p.inUse--
			p.mu.Unlock()
			return
		}
		conn = newConn
	}

	p.mu.Lock()
	p.inUse--
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()

	select {
	case p.waiters <- struct{}{}:
	default:
	}
}

func (p *connPool) closeAll() error {
	p.growMu.Lock()
	defer p.growMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var firstErr error
	for _, c := range p.idle {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.idle = nil
	return firstErr
}
