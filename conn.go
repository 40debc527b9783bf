package gocci

import (
	"context"
	"strconv"
	"time"

	"github.com/gocci/gocci/ccierr"
	"github.com/gocci/gocci/internal/handle"
	"github.com/gocci/gocci/internal/hoststatus"
	"github.com/gocci/gocci/internal/protocol"
)

// Re-exported transaction end types.
const (
	TranCommit   = protocol.TranCommit
	TranRollback = protocol.TranRollback
)

// Connect opens (or reuses) a connection to a broker endpoint and returns
// its opaque connection id.
func Connect(ip string, port int, dbname, user, password string) (int, error) {
	url := "cci:cubrid:" + ip + ":" + strconv.Itoa(port) + ":" + dbname + ":" + user + ":" +
		password + ":"
	return connectInternal(url, user, password, false)
}

// ConnectPersistent is Connect with process-wide caching: on disconnect the
// physical connection is parked and reused by the next ConnectPersistent
// with the same endpoint, database and credentials.
func ConnectPersistent(ip string, port int, dbname, user, password string) (int, error) {
	url := "cci:cubrid:" + ip + ":" + strconv.Itoa(port) + ":" + dbname + ":" + user + ":" +
		password + ":"
	return connectInternal(url, user, password, true)
}

// ConnectWithURL opens a connection described by a URL. Non-empty user and
// password arguments override the URL fields.
func ConnectWithURL(url, user, password string) (int, error) {
	return connectInternal(url, user, password, false)
}

func connectInternal(url, user, password string, persistent bool) (int, error) {
	u, err := parseURL(url)
	if err != nil {
		return 0, err
	}
	if user == "" {
		user = u.User
	}
	if password == "" {
		password = u.Password
	}

	c, err := tbl.AllocOrReuse(u.Host, u.DBName, user, password, u.Canonical)
	if err != nil {
		return 0, err
	}
	c.Persistent = c.Persistent || persistent

	if err := applyURLProps(c, u); err != nil {
		tbl.Free(c)
		return 0, err
	}

	c.SetStartTimeForLogin()
	err = casConnect(c)
	c.ResetStartTime()
	if err != nil {
		out := copyOut(c, err)
		tbl.Free(c)
		return 0, out
	}

	if d := protocol.Registered(); d != nil {
		hoststatus.EnsureStarted(d)
	}

	id := c.MappedID
	tbl.Release(c)
	return id, nil
}

func applyURLProps(c *handle.Conn, u *connURL) error {
	alt, err := u.altHosts()
	if err != nil {
		return err
	}
	c.AltHosts = alt
	c.CurHost = 0

	if rc, err := u.Props.GetInt(PropRCTime, int(handle.DefaultRCTime/time.Second)); err != nil {
		return err
	} else if rc > 0 {
		c.RCTime = time.Duration(rc) * time.Second
	}

	login, query, dq, err := u.sessionTimeouts()
	if err != nil {
		return err
	}
	c.LoginTimeout = login
	c.QueryTimeout = query
	c.DisconnectOnQueryTimeout = dq

	if ms, err := u.Props.GetInt(PropSlowQueryThresholdMillis, 0); err != nil {
		return err
	} else if ms > 0 {
		c.SlowQueryThreshold = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// Disconnect releases a connection. A pooled connection rolls back and
// returns to its datasource; a persistent one rolls back and parks in the
// process cache; anything else closes for real.
func Disconnect(connID int) error {
	c, err := tbl.GetConn(connID, false)
	if err != nil {
		return err
	}
	c.ErrBuf.Reset()

	if ds, ok := c.Datasource.(*DataSource); ok && ds != nil {
		err = ds.put(c)
		tbl.Release(c)
		return copyOutStale(c, err)
	}

	if c.Persistent {
		if c.Status == handle.InTran {
			_ = endTranInternal(c, protocol.TranRollback)
		}
		if tbl.PutPconnect(c) {
			return nil
		}
	}

	tbl.Free(c)
	return nil
}

// copyOutStale formats an error for a connection whose used flag has already
// been released.
func copyOutStale(c *handle.Conn, err error) error {
	if err == nil {
		return nil
	}
	return copyOut(c, err)
}

// EndTran commits or rolls back the session's transaction.
func EndTran(connID int, t protocol.TranType) error {
	return withConn(connID, func(c *handle.Conn) error {
		return endTranInternal(c, t)
	})
}

// endTranInternal carries the transaction-boundary semantics shared by the
// public entry point, disconnect and the datasource release path.
func endTranInternal(c *handle.Conn, t protocol.TranType) error {
	var err error
	if c.Status == handle.InTran {
		if !c.Connected() {
			c.Status = handle.OutTran
		} else {
			ctx, cancel := callCtx(c)
			err = c.Sock.EndTran(ctx, t)
			cancel()
			if err != nil && ccierr.IsCommunication(protocol.ErrCode(err)) {
				c.CloseSocket()
			} else if err == nil {
				c.SyncTranStatus()
			}
			if err == nil {
				tranBoundary(c, t)
			}
		}
	} else if t == protocol.TranRollback {
		// post-commit rollback: the server already ended the transaction
		// but held cursors remain
		if c.Broker.StatementPooling {
			closeAllResultSets(c)
		} else {
			freeAllUnholdable(c)
		}
	}

	if c.Status == handle.OutTran {
		flushDeferredCloses(c)
		hostReg.CheckFailback(c)
	}
	return err
}

// tranBoundary adjusts every child request handle when a transaction ends:
// non-holdable result sets close; holdable ones survive a commit but not a
// rollback.
func tranBoundary(c *handle.Conn, t protocol.TranType) {
	c.EachReq(func(r *handle.Req) {
		if r.IsHoldable && t == protocol.TranCommit {
			r.IsFromCurrentTran = false
			return
		}
		r.CloseResultSet()
		r.IsFromCurrentTran = false
	})
}

func closeAllResultSets(c *handle.Conn) {
	c.EachReq(func(r *handle.Req) {
		r.CloseResultSet()
		r.IsFromCurrentTran = false
	})
}

func freeAllUnholdable(c *handle.Conn) {
	var victims []*handle.Req
	c.EachReq(func(r *handle.Req) {
		if !r.IsHoldable {
			victims = append(victims, r)
		}
	})
	for _, r := range victims {
		if r.ServerStmtID != 0 {
			c.Pool().DeferClose(r.ServerStmtID)
		}
		tbl.FreeReq(c, r)
	}
}

// flushDeferredCloses sends the server-side closes that had to wait for an
// out-of-transaction boundary. Best effort.
func flushDeferredCloses(c *handle.Conn) {
	if !c.Connected() {
		c.Pool().DrainDeferred()
		return
	}
	for _, id := range c.Pool().DrainDeferred() {
		ctx, cancel := callCtx(c)
		_ = c.Sock.CloseStatement(ctx, id)
		cancel()
	}
}

// SetAutocommit switches the session autocommit mode. Turning it on while a
// transaction is open commits first.
func SetAutocommit(connID int, on bool) error {
	return withConn(connID, func(c *handle.Conn) error {
		if on && c.Status == handle.InTran {
			if err := endTranInternal(c, protocol.TranCommit); err != nil {
				return err
			}
		}
		c.Autocommit = on
		return nil
	})
}

// GetAutocommit reads the session autocommit mode.
func GetAutocommit(connID int) (bool, error) {
	c, err := tbl.PeekConn(connID)
	if err != nil {
		return false, err
	}
	return c.Autocommit, nil
}

// SetLoginTimeout changes the reconnect/login budget.
func SetLoginTimeout(connID int, d time.Duration) error {
	return withConn(connID, func(c *handle.Conn) error {
		c.LoginTimeout = d
		return nil
	})
}

// SetHoldability sets the default result-set holdability (0 or 1).
func SetHoldability(connID int, h int) error {
	return withConn(connID, func(c *handle.Conn) error {
		if h != 0 && h != 1 {
			return ccierr.New(ccierr.ErrInvalidHoldability, "")
		}
		c.Holdability = h
		return nil
	})
}

// GetHoldability reads the default result-set holdability.
func GetHoldability(connID int) (int, error) {
	c, err := tbl.PeekConn(connID)
	if err != nil {
		return 0, err
	}
	return c.Holdability, nil
}

// GetDBParameter reads a server session parameter under the retry loop.
func GetDBParameter(connID int, p protocol.Param) (int, error) {
	var val int
	err := withConn(connID, func(c *handle.Conn) error {
		applyFailback(c)
		c.SetStartTimeForQuery(nil)
		defer c.ResetStartTime()
		return withRetry(c, nil, false, func(ctx context.Context) error {
			v, err := c.Sock.GetDBParameter(ctx, p)
			if err == nil {
				val = v
			}
			return err
		})
	})
	return val, err
}

// SetDBParameter writes a server session parameter under the retry loop and
// mirrors it into the session state.
func SetDBParameter(connID int, p protocol.Param, value int) error {
	return withConn(connID, func(c *handle.Conn) error {
		applyFailback(c)
		c.SetStartTimeForQuery(nil)
		defer c.ResetStartTime()
		err := withRetry(c, nil, false, func(ctx context.Context) error {
			return c.Sock.SetDBParameter(ctx, p, value)
		})
		if err != nil {
			return err
		}
		switch p {
		case protocol.ParamIsolationLevel:
			c.Isolation = protocol.Isolation(value)
		case protocol.ParamLockTimeout:
			c.LockTimeout = value
		}
		return nil
	})
}

// SetIsolation sets the session isolation level.
func SetIsolation(connID int, iso protocol.Isolation) error {
	return SetDBParameter(connID, protocol.ParamIsolationLevel, int(iso))
}

// Cancel aborts the request currently running on a connection. It bypasses
// the used-flag exclusion: this is the one operation allowed to target a
// connection another goroutine is blocked inside.
func Cancel(connID int) error {
	c, err := tbl.GetConn(connID, true)
	if err != nil {
		return err
	}
	drv := protocol.Registered()
	if drv == nil {
		return ccierr.New(ccierr.ErrConnect, "no protocol driver registered")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := drv.Cancel(ctx, c.CurrentAddr(), c.Broker.CAS); err != nil {
		return copyOut(c, err)
	}
	return nil
}

// ServerVersion returns the database server version string from the broker
// capability blob.
func ServerVersion(connID int) (string, error) {
	c, err := tbl.PeekConn(connID)
	if err != nil {
		return "", err
	}
	return c.Broker.ServerVersion, nil
}

// GetQueryPlan fetches the server's plan text for a statement without
// executing it.
func GetQueryPlan(connID int, sql string) (string, error) {
	var plan string
	err := withConn(connID, func(c *handle.Conn) error {
		applyFailback(c)
		c.SetStartTimeForQuery(nil)
		defer c.ResetStartTime()
		return withRetry(c, nil, false, func(ctx context.Context) error {
			p, err := c.Sock.GetQueryPlan(ctx, sql)
			if err == nil {
				plan = p
			}
			return err
		})
	})
	return plan, err
}

// LastInsertID returns the most recent generated key. The returned value is
// only valid until the next call on the same connection.
func LastInsertID(connID int) (string, error) {
	err := withConn(connID, func(c *handle.Conn) error {
		c.SetStartTimeForQuery(nil)
		defer c.ResetStartTime()
		return withRetry(c, nil, false, func(ctx context.Context) error {
			v, err := c.Sock.LastInsertID(ctx)
			if err == nil {
				c.LastInsertID = v
			}
			return err
		})
	})
	if err != nil {
		return "", err
	}
	c, perr := tbl.PeekConn(connID)
	if perr != nil {
		return "", perr
	}
	return c.LastInsertID, nil
}

// GetShardID returns the shard the most recent shard-aware call landed on.
func GetShardID(connID int) (int, error) {
	c, err := tbl.PeekConn(connID)
	if err != nil {
		return 0, err
	}
	return c.ShardID, nil
}
