package gocci

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocci/gocci/ccierr"
	"github.com/gocci/gocci/internal/handle"
	"github.com/gocci/gocci/internal/protocol"
)

// Property keys accepted by ChangeProperty.
const (
	DSPropDefaultAutocommit  = PropDefaultAutocommit
	DSPropDefaultIsolation   = PropDefaultIsolation
	DSPropDefaultLockTimeout = PropDefaultLockTimeout
	DSPropLoginTimeout       = PropLoginTimeout
	DSPropPoolSize           = PropPoolSize
)

type slotState int

const (
	slotEmpty slotState = iota
	slotIdle
	slotBorrowed
)

// poolSlot is one entry of the fixed-length connection vector. The state
// replaces the sign-encoded convention of older clients: an explicit
// three-state variant instead of positive/negative/zero arithmetic.
type poolSlot struct {
	state slotState
	id    int
}

// DataSource is a bounded pool of live connections with timed-wait borrow
// under contention and per-borrow session-default resets.
type DataSource struct {
	mu   sync.Mutex
	cond *sync.Cond

	url  string // augmented URL used to (re)open pool connections
	user string
	pass string

	poolSize    int
	maxPoolSize int
	maxWait     time.Duration

	defaultAutocommit  bool
	defaultIsolation   protocol.Isolation
	defaultLockTimeout int
	loginTimeout       time.Duration

	poolPreparedStatement    bool
	maxOpenPreparedStatement int

	slots     []poolSlot
	numIdle   int
	numWaiter int
	closed    bool
}

// NewDataSource builds a pool from a property bag holding at minimum a url.
// pool_size connections are opened eagerly; any failure disposes what was
// already opened and returns the error.
func NewDataSource(props *Properties) (*DataSource, error) {
	rawURL, ok := props.Get(PropURL)
	if !ok || rawURL == "" {
		return nil, ccierr.New(ccierr.ErrInvalidURL, "datasource requires a url property")
	}
	user, _ := props.Get(PropUser)
	pass, _ := props.Get(PropPassword)

	poolSize, err := props.GetInt(PropPoolSize, DefaultPoolSize)
	if err != nil {
		return nil, err
	}
	if poolSize < 1 {
		poolSize = 1
	}
	maxPoolSize, err := props.GetInt(PropMaxPoolSize, poolSize)
	if err != nil {
		return nil, err
	}
	if maxPoolSize < poolSize {
		return nil, ccierr.New(ccierr.ErrInvalidProperty, "max_pool_size is smaller than pool_size")
	}
	maxWaitMS, err := props.GetInt(PropMaxWait, int(DefaultMaxWait/time.Millisecond))
	if err != nil {
		return nil, err
	}
	pps, err := props.GetBool(PropPoolPreparedStatement, DefaultPoolPreparedStatement)
	if err != nil {
		return nil, err
	}
	maxOpen, err := props.GetInt(PropMaxOpenPreparedStatement, DefaultMaxOpenPreparedStatement)
	if err != nil {
		return nil, err
	}
	autocommit, err := props.GetBool(PropDefaultAutocommit, true)
	if err != nil {
		return nil, err
	}
	isolation, err := props.GetIsolation(PropDefaultIsolation)
	if err != nil {
		return nil, err
	}
	lockTimeout, err := props.GetInt(PropDefaultLockTimeout, -1)
	if err != nil {
		return nil, err
	}
	loginMS, err := props.GetInt(PropLoginTimeout, 0)
	if err != nil {
		return nil, err
	}

	// push the timeout settings into the URL so reconnects pick them up
	extra := map[string]string{}
	for _, k := range []string{PropLoginTimeout, PropQueryTimeout, PropDisconnectOnQueryTimeout} {
		if v, ok := props.Get(k); ok {
			extra[k] = v
		}
	}
	url := rawURL
	if len(extra) > 0 {
		url = withProps(rawURL, extra)
	}

	ds := &DataSource{
		url:                      url,
		user:                     user,
		pass:                     pass,
		poolSize:                 poolSize,
		maxPoolSize:              maxPoolSize,
		maxWait:                  time.Duration(maxWaitMS) * time.Millisecond,
		defaultAutocommit:        autocommit,
		defaultIsolation:         isolation,
		defaultLockTimeout:       lockTimeout,
		loginTimeout:             time.Duration(loginMS) * time.Millisecond,
		poolPreparedStatement:    pps,
		maxOpenPreparedStatement: maxOpen,
		slots:                    make([]poolSlot, maxPoolSize),
	}
	ds.cond = sync.NewCond(&ds.mu)

	for i := 0; i < poolSize; i++ {
		id, err := ds.openOne()
		if err != nil {
			ds.disposeAll()
			return nil, err
		}
		ds.slots[i] = poolSlot{state: slotIdle, id: id}
		ds.numIdle++
	}
	ds.updateMetrics()
	slog.Info("datasource ready", "url", handle.MaskURL(rawURL), "pool_size", poolSize, "max_pool_size", maxPoolSize)
	return ds, nil
}

func (ds *DataSource) openOne() (int, error) {
	id, err := ConnectWithURL(ds.url, ds.user, ds.pass)
	if err != nil {
		return 0, err
	}
	c, perr := tbl.PeekConn(id)
	if perr != nil {
		return 0, perr
	}
	c.Datasource = ds
	c.Pool().SetMax(ds.maxOpenPreparedStatement)
	return id, nil
}

// Borrow takes an idle connection, waiting up to max_wait under contention,
// and resets the per-borrow session defaults so the previous user's state
// never leaks.
func (ds *DataSource) Borrow() (int, error) {
	start := time.Now()
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return 0, ccierr.New(ccierr.ErrInvalidDatasource, "")
	}

	if ds.numIdle == 0 || ds.numWaiter > 0 {
		deadline := time.Now().Add(ds.maxWait)
		for ds.numIdle == 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				ds.mu.Unlock()
				collector.BorrowTimeout(handle.MaskURL(ds.url))
				return 0, ccierr.New(ccierr.ErrDatasourceTimeout, "")
			}
			timer := time.AfterFunc(remaining, func() { ds.cond.Broadcast() })
			ds.numWaiter++
			ds.cond.Wait()
			ds.numWaiter--
			timer.Stop()
			if ds.closed {
				ds.mu.Unlock()
				return 0, ccierr.New(ccierr.ErrInvalidDatasource, "")
			}
		}
	}

	var id int
	for i := range ds.slots {
		if ds.slots[i].state == slotIdle {
			ds.slots[i].state = slotBorrowed
			id = ds.slots[i].id
			break
		}
	}
	ds.numIdle--
	ds.mu.Unlock()

	if err := ds.resetDefaults(id); err != nil {
		ds.returnSlot(id)
		return 0, err
	}
	collector.BorrowObserved(handle.MaskURL(ds.url), time.Since(start))
	ds.updateMetrics()
	return id, nil
}

// resetDefaults applies the datasource's per-borrow session defaults.
func (ds *DataSource) resetDefaults(id int) error {
	c, err := tbl.PeekConn(id)
	if err != nil {
		return err
	}
	c.Autocommit = ds.defaultAutocommit
	c.LoginTimeout = ds.loginTimeout
	if ds.defaultIsolation != protocol.TranUnknownIsolation && ds.defaultIsolation != c.Isolation {
		if err := SetIsolation(id, ds.defaultIsolation); err != nil {
			return err
		}
	}
	if ds.defaultLockTimeout >= 0 && ds.defaultLockTimeout != c.LockTimeout {
		if err := SetDBParameter(id, protocol.ParamLockTimeout, ds.defaultLockTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Release hands a borrowed connection back to the pool.
func (ds *DataSource) Release(connID int) error {
	c, err := tbl.GetConn(connID, false)
	if err != nil {
		return err
	}
	err = ds.put(c)
	tbl.Release(c)
	return err
}

// put is the release path shared with Disconnect: recycle or close the
// statement handles, roll back any open transaction, flip the slot idle.
func (ds *DataSource) put(c *handle.Conn) error {
	if ds.poolPreparedStatement {
		for _, local := range c.Pool().InUse() {
			r := c.Req(local)
			if r == nil {
				c.Pool().ClearInUse(local)
				continue
			}
			r.CloseResultSet()
			if r.SQL != "" && c.Pool().Put(r.SQL, local) {
				tbl.UnmapReq(r)
			} else {
				if r.ServerStmtID != 0 && c.Connected() {
					ctx, cancel := callCtx(c)
					_ = c.Sock.CloseStatement(ctx, r.ServerStmtID)
					cancel()
				}
				tbl.FreeReq(c, r)
			}
			c.Pool().ClearInUse(local)
		}
	} else {
		var victims []*handle.Req
		c.EachReq(func(r *handle.Req) { victims = append(victims, r) })
		for _, r := range victims {
			if r.ServerStmtID != 0 {
				if c.Status == handle.InTran {
					c.Pool().DeferClose(r.ServerStmtID)
				} else if c.Connected() {
					ctx, cancel := callCtx(c)
					_ = c.Sock.CloseStatement(ctx, r.ServerStmtID)
					cancel()
				}
			}
			tbl.FreeReq(c, r)
		}
	}

	if c.Status == handle.InTran {
		if err := endTranInternal(c, protocol.TranRollback); err != nil {
			// the rollback could not reach the server; force the client
			// side out of the transaction
			c.CloseSocket()
		}
	}

	ds.returnSlot(c.MappedID)
	ds.updateMetrics()
	return nil
}

func (ds *DataSource) returnSlot(id int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for i := range ds.slots {
		if ds.slots[i].state == slotBorrowed && ds.slots[i].id == id {
			ds.slots[i].state = slotIdle
			ds.numIdle++
			ds.cond.Signal()
			return
		}
	}
}

// ChangeProperty updates a live datasource. Supported keys:
// default_autocommit, default_isolation, default_lock_timeout,
// login_timeout, pool_size.
func (ds *DataSource) ChangeProperty(key, value string) error {
	p := NewProperties()
	p.Set(key, value)
	switch {
	case keyEq(key, DSPropDefaultAutocommit):
		v, err := p.GetBool(key, true)
		if err != nil {
			return err
		}
		ds.mu.Lock()
		ds.defaultAutocommit = v
		ds.mu.Unlock()
	case keyEq(key, DSPropDefaultIsolation):
		v, err := p.GetIsolation(key)
		if err != nil {
			return err
		}
		ds.mu.Lock()
		ds.defaultIsolation = v
		ds.mu.Unlock()
	case keyEq(key, DSPropDefaultLockTimeout):
		v, err := p.GetInt(key, -1)
		if err != nil {
			return err
		}
		ds.mu.Lock()
		ds.defaultLockTimeout = v
		ds.mu.Unlock()
	case keyEq(key, DSPropLoginTimeout):
		v, err := p.GetInt(key, 0)
		if err != nil {
			return err
		}
		ds.mu.Lock()
		ds.loginTimeout = time.Duration(v) * time.Millisecond
		ds.mu.Unlock()
	case keyEq(key, DSPropPoolSize):
		v, err := p.GetInt(key, 0)
		if err != nil {
			return err
		}
		return ds.resize(v)
	default:
		return ccierr.New(ccierr.ErrParamName, "unknown datasource property: "+key)
	}
	return nil
}

func keyEq(a, b string) bool { return strings.EqualFold(a, b) }

// resize grows or shrinks the live pool toward the new pool_size, bounded
// by max_pool_size. Growth opens connections into empty slots; shrink
// closes idle ones.
func (ds *DataSource) resize(newSize int) error {
	if newSize < 1 || newSize > ds.maxPoolSize {
		return ccierr.New(ccierr.ErrInvalidProperty,
			"pool_size must be between 1 and "+strconv.Itoa(ds.maxPoolSize))
	}
	ds.mu.Lock()
	delta := newSize - ds.poolSize
	ds.poolSize = newSize
	ds.mu.Unlock()

	for ; delta > 0; delta-- {
		id, err := ds.openOne()
		if err != nil {
			return err
		}
		ds.mu.Lock()
		placed := false
		for i := range ds.slots {
			if ds.slots[i].state == slotEmpty {
				ds.slots[i] = poolSlot{state: slotIdle, id: id}
				ds.numIdle++
				placed = true
				break
			}
		}
		ds.cond.Signal()
		ds.mu.Unlock()
		if !placed {
			_ = Disconnect(id)
		}
	}
	for ; delta < 0; delta++ {
		ds.mu.Lock()
		closedID := 0
		for i := range ds.slots {
			if ds.slots[i].state == slotIdle {
				closedID = ds.slots[i].id
				ds.slots[i] = poolSlot{}
				ds.numIdle--
				break
			}
		}
		ds.mu.Unlock()
		if closedID == 0 {
			break
		}
		ds.closeOne(closedID)
	}
	ds.updateMetrics()
	return nil
}

// closeOne closes a pooled connection for real, bypassing the release path.
func (ds *DataSource) closeOne(id int) {
	c, err := tbl.PeekConn(id)
	if err != nil {
		return
	}
	c.Datasource = nil
	tbl.Free(c)
}

// DataSourceStats is a point-in-time view of the pool.
type DataSourceStats struct {
	URL      string `json:"url"`
	PoolSize int    `json:"pool_size"`
	MaxPool  int    `json:"max_pool_size"`
	Idle     int    `json:"idle"`
	Borrowed int    `json:"borrowed"`
	Waiters  int    `json:"waiters"`
}

// Stats returns current pool statistics.
func (ds *DataSource) Stats() DataSourceStats {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	borrowed := 0
	for _, s := range ds.slots {
		if s.state == slotBorrowed {
			borrowed++
		}
	}
	return DataSourceStats{
		URL:      handle.MaskURL(ds.url),
		PoolSize: ds.poolSize,
		MaxPool:  ds.maxPoolSize,
		Idle:     ds.numIdle,
		Borrowed: borrowed,
		Waiters:  ds.numWaiter,
	}
}

func (ds *DataSource) updateMetrics() {
	s := ds.Stats()
	collector.UpdatePool(s.URL, s.Idle, s.Borrowed, s.Waiters)
}

// Close shuts the pool down. Idle connections close normally; connections
// still borrowed are freed client-side only, without touching a socket the
// borrower may still be using.
func (ds *DataSource) Close() {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return
	}
	ds.closed = true
	slots := make([]poolSlot, len(ds.slots))
	copy(slots, ds.slots)
	for i := range ds.slots {
		ds.slots[i] = poolSlot{}
	}
	ds.numIdle = 0
	ds.cond.Broadcast()
	ds.mu.Unlock()

	for _, s := range slots {
		switch s.state {
		case slotIdle:
			if c, err := tbl.PeekConn(s.id); err == nil {
				c.Datasource = nil
				tbl.Free(c)
			}
		case slotBorrowed:
			if c, err := tbl.PeekConn(s.id); err == nil {
				c.Datasource = nil
				c.AbandonSocket()
				tbl.Free(c)
			}
		}
	}
}

// disposeAll tears down a half-built pool after a construction failure.
func (ds *DataSource) disposeAll() {
	for i := range ds.slots {
		if ds.slots[i].state == slotIdle {
			if c, err := tbl.PeekConn(ds.slots[i].id); err == nil {
				c.Datasource = nil
				c.AbandonSocket()
				tbl.Free(c)
			}
			ds.slots[i] = poolSlot{}
		}
	}
	ds.numIdle = 0
}
