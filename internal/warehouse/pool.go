package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrExhausted is returned by Acquire when no session becomes available
// within the acquire timeout. The pool never grows past its configured
// maximum to satisfy a waiter.
var ErrExhausted = errors.New("session pool exhausted")

const (
	defaultMaxSessions    = 8
	defaultAcquireTimeout = 10 * time.Second
	defaultIdleTimeout    = 5 * time.Minute
	closeTimeout          = 5 * time.Second
)

type PoolConfig struct {
	Logger *slog.Logger
	Dialer Dialer
	Clock  clockwork.Clock

	// MaxSessions bounds the number of live backend connections.
	MaxSessions int
	// WarmSessions is the number of connections opened eagerly by Warm.
	WarmSessions int

	AcquireTimeout time.Duration
	IdleTimeout    time.Duration

	// Defaults fill session parameters a request leaves empty.
	Defaults Params
}

func (c *PoolConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Dialer == nil {
		return fmt.Errorf("dialer is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = defaultMaxSessions
	}
	if c.WarmSessions < 0 || c.WarmSessions > c.MaxSessions {
		return fmt.Errorf("warm sessions must be between 0 and max sessions (%d)", c.MaxSessions)
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	return nil
}

type idleConn struct {
	conn     Conn
	lastUsed time.Time
}

// Pool is a bounded pool of warehouse connections. A token in slots is
// permission to hold one live connection; idle connections keep their token
// until closed, so live connections never exceed MaxSessions.
type Pool struct {
	log   *slog.Logger
	cfg   PoolConfig
	clock clockwork.Clock

	slots chan struct{}
	idle  chan idleConn

	mu     sync.Mutex
	closed bool
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate pool config: %w", err)
	}
	p := &Pool{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
		slots: make(chan struct{}, cfg.MaxSessions),
		idle:  make(chan idleConn, cfg.MaxSessions),
	}
	for i := 0; i < cfg.MaxSessions; i++ {
		p.slots <- struct{}{}
	}
	return p, nil
}

// Warm opens WarmSessions connections eagerly so the first invocations do not
// pay connection-setup cost.
func (p *Pool) Warm(ctx context.Context) error {
	for i := 0; i < p.cfg.WarmSessions; i++ {
		select {
		case <-p.slots:
		default:
			return nil
		}
		conn, err := p.cfg.Dialer.Dial(ctx)
		if err != nil {
			p.slots <- struct{}{}
			return fmt.Errorf("failed to warm session pool: %w", err)
		}
		if !p.park(conn) {
			p.retire(conn)
			return nil
		}
	}
	p.log.Debug("warehouse: session pool warmed", "sessions", p.cfg.WarmSessions)
	return nil
}

// Acquire leases a session with the given parameters applied. It blocks until
// a session is available, the acquire timeout elapses (ErrExhausted), or ctx
// is cancelled.
func (p *Pool) Acquire(ctx context.Context, params Params) (*Session, error) {
	if p.isClosed() {
		return nil, fmt.Errorf("session pool is closed")
	}

	merged := params.merged(p.cfg.Defaults)
	stmts, err := merged.statements()
	if err != nil {
		return nil, err
	}

	timer := p.clock.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		var conn Conn
		select {
		case ic := <-p.idle:
			if p.clock.Since(ic.lastUsed) > p.cfg.IdleTimeout {
				p.retire(ic.conn)
				continue
			}
			conn = ic.conn
		case <-p.slots:
			c, err := p.cfg.Dialer.Dial(ctx)
			if err != nil {
				p.slots <- struct{}{}
				return nil, fmt.Errorf("failed to dial warehouse: %w", err)
			}
			conn = c
		case <-timer.Chan():
			return nil, fmt.Errorf("%w: no session available within %s", ErrExhausted, p.cfg.AcquireTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// Session parameters are applied on every lease, whether the
		// connection is fresh or reused, so a prior lease's state cannot
		// leak into this invocation.
		if err := p.applyParams(ctx, conn, stmts); err != nil {
			p.retire(conn)
			return nil, fmt.Errorf("failed to apply session parameters: %w", err)
		}
		return &Session{pool: p, conn: conn, params: merged}, nil
	}
}

func (p *Pool) applyParams(ctx context.Context, conn Conn, stmts []string) error {
	for _, stmt := range stmts {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%q: %w", stmt, err)
		}
	}
	return nil
}

// Ping leases a session and round-trips the backend. Used for startup checks
// and readiness probes.
func (p *Pool) Ping(ctx context.Context) error {
	s, err := p.Acquire(ctx, Params{})
	if err != nil {
		return err
	}
	err = s.conn.Ping(ctx)
	if err != nil {
		s.failed = true
	}
	s.Release()
	return err
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() (idle, leased int) {
	idle = len(p.idle)
	live := p.cfg.MaxSessions - len(p.slots)
	return idle, live - idle
}

// Close discards all idle connections and rejects further acquires. Sessions
// leased at close time are discarded on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	// Drain idle while still holding the mutex so a concurrent Release
	// cannot park a connection after the drain.
	var conns []Conn
	for len(p.idle) > 0 {
		ic := <-p.idle
		conns = append(conns, ic.conn)
	}
	p.mu.Unlock()

	for _, conn := range conns {
		p.retire(conn)
	}
}

// park returns a connection to the idle set. It fails once the pool has
// closed; the caller must retire the connection instead.
func (p *Pool) park(conn Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	// idle has capacity MaxSessions, so this send never blocks.
	p.idle <- idleConn{conn: conn, lastUsed: p.clock.Now()}
	return true
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// retire closes a connection and returns its slot token.
func (p *Pool) retire(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		p.log.Warn("warehouse: failed to close connection", "error", err)
	}
	p.slots <- struct{}{}
}

// Session is one leased backend connection. It is owned by exactly one
// invocation; Release or Discard must be called when the invocation ends.
type Session struct {
	pool   *Pool
	conn   Conn
	params Params
	failed bool
	done   bool
}

// Params returns the parameters bound to this lease.
func (s *Session) Params() Params { return s.params }

// Query executes a statement on the leased connection. Any failure marks the
// session as failed; Release will then discard it instead of pooling it.
func (s *Session) Query(ctx context.Context, sql string) (*Rows, error) {
	if s.done {
		return nil, fmt.Errorf("session already released")
	}
	rows, err := s.conn.Query(ctx, sql)
	if err != nil {
		s.failed = true
		return nil, err
	}
	return rows, nil
}

// Exec executes a statement, discarding any result rows.
func (s *Session) Exec(ctx context.Context, sql string) error {
	if s.done {
		return fmt.Errorf("session already released")
	}
	if err := s.conn.Exec(ctx, sql); err != nil {
		s.failed = true
		return err
	}
	return nil
}

// Release returns the session to the pool, or discards it if it failed or
// the pool has closed. Safe to call once per lease; later calls are no-ops.
func (s *Session) Release() {
	if s.done {
		return
	}
	s.done = true
	if s.failed || !s.pool.park(s.conn) {
		s.pool.retire(s.conn)
	}
}

// Discard closes the session's connection without returning it to the pool.
// Use it when an invocation is cancelled or times out and the connection may
// be wedged.
func (s *Session) Discard() {
	if s.done {
		return
	}
	s.done = true
	s.pool.retire(s.conn)
}
