// Package connpool implements a connection pool: three connection classes
// pooled over long-lived authenticated backend sessions, with idle
// timeout, keep-alive, and transparent reconnection.
package connpool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyverse/irodsfs-core/internal/backend"
	"github.com/cyverse/irodsfs-core/internal/corelog"
	"github.com/cyverse/irodsfs-core/internal/ferrors"
	"github.com/cyverse/irodsfs-core/internal/idgen"
	"github.com/cyverse/irodsfs-core/internal/pathutil"
	"github.com/cyverse/irodsfs-core/internal/timersvc"
)

// Class is one of the three pooled connection use classes.
type Class int

const (
	ShortOp Class = iota
	FileIO
	Onetime
)

func (c Class) String() string {
	switch c {
	case ShortOp:
		return "SHORT_OP"
	case FileIO:
		return "FILE_IO"
	case Onetime:
		return "ONETIME"
	default:
		return "UNKNOWN"
	}
}

// Conn is one pooled connection.
type Conn struct {
	id      uint64
	class   Class
	session backend.Session

	mu sync.Mutex // per-connection lock: serializes RPCs on this session

	inUseCount   int
	lastUseTime  time.Time
	lastActTime  time.Time
}

// ID returns the connection's monotonic, reconnect-stable identifier.
func (c *Conn) ID() uint64 { return c.id }

// Class returns the connection's use class.
func (c *Conn) Class() Class { return c.class }

// Session returns the live backend session bound to this connection. It
// must only be called while the connection's lock is held.
func (c *Conn) Session() backend.Session { return c.session }

// Config holds the pool's tunable parameters, mirroring the relevant
// subset of config.Config so this package does not import it directly.
type Config struct {
	MaxConn              int
	ConnTimeoutSec       int
	ConnKeepAliveSec     int
	ConnCheckIntervalSec int
	APITimeoutSec        int
}

// Report is the ioctl SHOW_CONNECTIONS payload shape.
type Report struct {
	InUseShortOp int
	InUseGeneral int
	InUseOnetime int
	Free         int
}

// Pool is the connection pool. Use New to construct one.
type Pool struct {
	dialer backend.Dialer
	dial   backend.DialOptions
	cfg    Config
	log    *corelog.Sink
	ids    *idgen.Generator
	timer  *timersvc.Service

	mu sync.RWMutex // pool-wide lock

	inUseShortop *Conn
	freeShortop  *Conn

	inUseGeneral []*Conn // fixed-size slot table, len == cfg.MaxConn
	freeGeneral  []*Conn // LIFO: front (index 0) is freshest

	inUseOnetime map[uint64]*Conn
}

// New builds a Pool. The caller must call Start to begin the keep-alive/reap
// tick and Destroy to tear every connection down on shutdown.
func New(dialer backend.Dialer, dial backend.DialOptions, cfg Config, log *corelog.Sink, timer *timersvc.Service) *Pool {
	if log == nil {
		log = corelog.Discard
	}
	return &Pool{
		dialer:       dialer,
		dial:         dial,
		cfg:          cfg,
		log:          log,
		ids:          idgen.New(),
		timer:        timer,
		inUseGeneral: make([]*Conn, cfg.MaxConn),
		inUseOnetime: make(map[uint64]*Conn),
	}
}

// Start registers the keep-alive/idle-reap tick with the timer service.
// The timer service's own Start must be (or have been) called separately;
// Pool only owns the registration, not the service's worker goroutine,
// since other subsystems may share the same Service.
func (p *Pool) Start() {
	interval := time.Duration(p.cfg.ConnCheckIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	p.timer.Register(interval, func(time.Time) {
		p.tick(context.Background())
	})
}

// Acquire implements the class-specific acquisition policy.
func (p *Pool) Acquire(ctx context.Context, class Class) (*Conn, error) {
	switch class {
	case ShortOp:
		return p.acquireShortOp(ctx)
	case FileIO:
		return p.acquireFileIO(ctx)
	default:
		return p.acquireOnetime(ctx)
	}
}

func (p *Pool) acquireShortOp(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.inUseShortop != nil {
		c := p.inUseShortop
		c.inUseCount++
		c.lastUseTime = pathutil.Now()
		p.mu.Unlock()
		return c, nil
	}
	if p.freeShortop != nil {
		c := p.freeShortop
		p.freeShortop = nil
		p.inUseShortop = c
		c.inUseCount++
		c.lastUseTime = pathutil.Now()
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dialNew(ctx, ShortOp)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	c.inUseCount = 1
	c.lastUseTime = pathutil.Now()
	p.inUseShortop = c
	p.mu.Unlock()
	return c, nil
}

func (p *Pool) acquireFileIO(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	for i, slot := range p.inUseGeneral {
		if slot == nil {
			p.mu.Unlock()

			var c *Conn
			if len(p.freeGeneral) > 0 {
				c = p.takeFreeGeneralHead()
			} else {
				var err error
				c, err = p.dialNew(ctx, FileIO)
				if err != nil {
					return nil, err
				}
			}

			p.mu.Lock()
			c.inUseCount = 1
			c.lastUseTime = pathutil.Now()
			p.inUseGeneral[i] = c
			p.mu.Unlock()
			return c, nil
		}
	}

	// Slot table full: multiplex onto the least-loaded slot.
	best := p.inUseGeneral[0]
	for _, slot := range p.inUseGeneral[1:] {
		if slot.inUseCount < best.inUseCount {
			best = slot
		}
	}
	best.inUseCount++
	best.lastUseTime = pathutil.Now()
	p.mu.Unlock()
	return best, nil
}

// takeFreeGeneralHead pops the front (freshest) connection off freeGeneral.
// Callers must not hold p.mu.
func (p *Pool) takeFreeGeneralHead() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.freeGeneral) == 0 {
		return nil
	}
	c := p.freeGeneral[0]
	p.freeGeneral = p.freeGeneral[1:]
	return c
}

func (p *Pool) acquireOnetime(ctx context.Context) (*Conn, error) {
	c, err := p.dialNew(ctx, Onetime)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	c.inUseCount = 1
	c.lastUseTime = pathutil.Now()
	p.inUseOnetime[c.id] = c
	p.mu.Unlock()
	return c, nil
}

// dialNew creates, connects, authenticates and (if configured) sets the
// session ticket on a brand-new connection. Connect is retried once on
// failure; authentication failure is never retried.
func (p *Pool) dialNew(ctx context.Context, class Class) (*Conn, error) {
	sess, err := p.dialer.Dial(ctx, p.dial)
	if err != nil {
		return nil, ferrors.AcquireFailure(err)
	}

	c := &Conn{id: p.ids.Next(), class: class, session: sess}
	if err := p.connectLoginTicket(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Pool) connectLoginTicket(ctx context.Context, c *Conn) error {
	err := c.session.Connect(ctx)
	if err != nil {
		// one retry with the same parameters
		err = c.session.Connect(ctx)
		if err != nil {
			return ferrors.AcquireFailure(err)
		}
	}
	if err := c.session.Login(ctx); err != nil {
		return ferrors.Fatal(err, "backend authentication failed")
	}
	if p.dial.Ticket != "" {
		if err := c.session.SetSessionTicket(ctx, p.dial.Ticket); err != nil {
			return ferrors.AcquireFailure(err)
		}
	}
	now := pathutil.Now()
	c.lastActTime = now
	c.lastUseTime = now
	return nil
}

// Release returns c to the pool, or tears it down, per its class's release policy.
func (p *Pool) Release(ctx context.Context, c *Conn) {
	p.mu.Lock()
	c.inUseCount--
	if c.inUseCount > 0 {
		p.mu.Unlock()
		return
	}

	switch c.class {
	case ShortOp:
		p.inUseShortop = nil
		p.freeShortop = c
		p.mu.Unlock()
	case FileIO:
		for i, slot := range p.inUseGeneral {
			if slot == c {
				p.inUseGeneral[i] = nil
				break
			}
		}
		p.freeGeneral = append([]*Conn{c}, p.freeGeneral...)
		p.mu.Unlock()
	default: // Onetime
		delete(p.inUseOnetime, c.id)
		p.mu.Unlock()
		p.destroyConn(ctx, c)
	}
}

// Reconnect disconnects and re-establishes c's session in place, preserving
// its id.
func (p *Pool) Reconnect(ctx context.Context, c *Conn) error {
	_ = c.session.Disconnect(ctx)
	return p.connectLoginTicket(ctx, c)
}

// Lock acquires c's per-connection lock, to be held across one RPC.
func (p *Pool) Lock(c *Conn) { c.mu.Lock() }

// Unlock releases c's per-connection lock.
func (p *Pool) Unlock(c *Conn) { c.mu.Unlock() }

// UpdateLastActTime stamps c.lastActTime with the current time. If
// takeLock is true, c's per-connection lock is acquired for the duration;
// pass false when the caller already holds it.
func (p *Pool) UpdateLastActTime(c *Conn, takeLock bool) {
	if takeLock {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	c.lastActTime = pathutil.Now()
}

// Report populates the ioctl SHOW_CONNECTIONS payload.
func (p *Pool) Report() Report {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r := Report{InUseOnetime: len(p.inUseOnetime), Free: len(p.freeGeneral)}
	if p.inUseShortop != nil {
		r.InUseShortOp = 1
	}
	if p.freeShortop != nil {
		r.Free++
	}
	for _, slot := range p.inUseGeneral {
		if slot != nil {
			r.InUseGeneral++
		}
	}
	return r
}

func (p *Pool) destroyConn(ctx context.Context, c *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.session.Disconnect(ctx); err != nil {
		p.log.Error(0, "disconnect failed for connection %d: %v", c.id, err)
	}
}

// Destroy disconnects every connection of every class. Intended for
// process shutdown.
func (p *Pool) Destroy(ctx context.Context) {
	p.mu.Lock()
	all := p.snapshotAllLocked()
	p.inUseShortop = nil
	p.freeShortop = nil
	p.inUseGeneral = make([]*Conn, len(p.inUseGeneral))
	p.freeGeneral = nil
	p.inUseOnetime = make(map[uint64]*Conn)
	p.mu.Unlock()

	for _, c := range all {
		p.destroyConn(ctx, c)
	}
}

func (p *Pool) snapshotAllLocked() []*Conn {
	var all []*Conn
	if p.inUseShortop != nil {
		all = append(all, p.inUseShortop)
	}
	if p.freeShortop != nil {
		all = append(all, p.freeShortop)
	}
	for _, slot := range p.inUseGeneral {
		if slot != nil {
			all = append(all, slot)
		}
	}
	all = append(all, p.freeGeneral...)
	for _, c := range p.inUseOnetime {
		all = append(all, c)
	}
	return all
}

// tick runs the keep-alive and idle-reap pass.
func (p *Pool) tick(ctx context.Context) {
	p.mu.RLock()
	live := p.snapshotAllLocked()
	free := append([]*Conn{}, p.freeGeneral...)
	if p.freeShortop != nil {
		free = append(free, p.freeShortop)
	}
	p.mu.RUnlock()

	keepAlive := time.Duration(p.cfg.ConnKeepAliveSec) * time.Second
	grp, gctx := errgroup.WithContext(ctx)
	for _, c := range live {
		c := c
		if pathutil.SecondsSince(c.lastActTime) < int64(keepAlive.Seconds()) {
			continue
		}
		grp.Go(func() error {
			p.Lock(c)
			defer p.Unlock(c)
			if _, err := c.session.ObjStat(gctx, "/"); err == nil {
				p.UpdateLastActTime(c, false)
			} else {
				p.log.Debug("keep-alive stat failed for connection %d: %v", c.id, err)
			}
			return nil
		})
	}
	_ = grp.Wait()

	timeout := int64(p.cfg.ConnTimeoutSec)
	for _, c := range free {
		if pathutil.SecondsSince(c.lastUseTime) < timeout {
			continue
		}
		p.reapFree(ctx, c)
	}
}

func (p *Pool) reapFree(ctx context.Context, c *Conn) {
	p.mu.Lock()
	switch {
	case p.freeShortop == c:
		p.freeShortop = nil
	default:
		for i, fc := range p.freeGeneral {
			if fc == c {
				p.freeGeneral = append(p.freeGeneral[:i], p.freeGeneral[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	p.destroyConn(ctx, c)
}
