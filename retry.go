package gocci

import (
	"context"
	"log/slog"
	"time"

	"github.com/gocci/gocci/ccierr"
	"github.com/gocci/gocci/internal/handle"
	"github.com/gocci/gocci/internal/hoststatus"
	"github.com/gocci/gocci/internal/metrics"
	"github.com/gocci/gocci/internal/protocol"
)

var (
	tbl       = handle.Global()
	hostReg   = hoststatus.Global()
	collector = metrics.New()
)

// Collector exposes the package metrics registry so an embedding process can
// mount it on its own scrape endpoint.
func Collector() *metrics.Collector { return collector }

// isErrToReconnect decides whether an operation failure is worth a
// reconnect-and-replay: either the transport broke, or the server reported a
// DBMS error whose secondary code means the database server itself is gone.
func isErrToReconnect(err error) bool {
	code := protocol.ErrCode(err)
	if ccierr.IsCommunication(code) {
		return true
	}
	if code == ccierr.ErrDBMS || code == ccierr.CASErrDBMS {
		return ccierr.IsServerDown(protocol.DBMSCode(err))
	}
	return false
}

// needToReconnect decides whether the client must re-drive the connect
// procedure itself. On a transport error it always must; on a server-down
// DBMS error it must only when the broker does not transparently reconnect
// to a restarted server on its own.
func needToReconnect(c *handle.Conn, err error) bool {
	if ccierr.IsCommunication(protocol.ErrCode(err)) {
		return true
	}
	return !c.Broker.ReconnectWhenServerDown
}

// callCtx derives the context for one wire call from the deadline in effect.
func callCtx(c *handle.Conn) (context.Context, context.CancelFunc) {
	if !c.HasDeadline() {
		return context.Background(), func() {}
	}
	rem := c.RemainingBudget()
	if rem <= 0 {
		rem = time.Millisecond
	}
	return context.WithTimeout(context.Background(), rem)
}

// withRetry wraps one request-bearing protocol call in the failover loop:
// replay is allowed only out of transaction (or on the first operation of a
// transaction, before the server holds any state for it); on a
// reconnect-class failure the socket is torn down, the next reachable
// alternate host is dialed under the login-timeout budget, cached statements
// are invalidated, and the call is replayed. The final error after the loop
// terminates is the one the caller sees.
func withRetry(c *handle.Conn, req *handle.Req, firstInTran bool, call func(ctx context.Context) error) error {
	safeCall := func(ctx context.Context) error {
		if !c.Connected() {
			return &protocol.ServerError{Code: ccierr.ErrCommunication, Msg: "connection is closed"}
		}
		return call(ctx)
	}
	ctx, cancel := callCtx(c)
	err := safeCall(ctx)
	cancel()
	if err == nil {
		c.SyncTranStatus()
	}

	for err != nil && (c.Status == handle.OutTran || firstInTran) && isErrToReconnect(err) {
		if needToReconnect(c, err) {
			if rerr := resetConnect(c, req); rerr != nil {
				return rerr
			}
		}
		collector.Retry("reconnect")
		ctx, cancel = callCtx(c)
		err = safeCall(ctx)
		cancel()
		if err == nil {
			c.SyncTranStatus()
		}
	}
	return err
}

// resetConnect frees the request handle's per-call content, raises the
// deadline to whichever of the current and login budgets is larger, and
// re-drives the connect procedure.
func resetConnect(c *handle.Conn, req *handle.Req) error {
	if req != nil {
		req.FreeContent()
	}
	if c.LoginTimeout > c.CurrentTimeout {
		c.CurrentTimeout = c.LoginTimeout
		if c.StartTime.IsZero() {
			c.StartTime = time.Now()
		}
	}
	c.CloseSocket()
	return casConnect(c)
}

// casConnect drives the connect procedure: health-check a live socket, else
// walk the alternate-host list under the login budget, marking reachability
// as it goes; rescue once ignoring stale unreachable verdicts; finalize the
// login with a commit and harvest the broker capability blob.
func casConnect(c *handle.Conn) error {
	drv := protocol.Registered()
	if drv == nil {
		return ccierr.New(ccierr.ErrConnect, "no protocol driver registered")
	}

	if c.Connected() {
		ctx, cancel := callCtx(c)
		err := c.Sock.Ping(ctx)
		cancel()
		if err == nil {
			return nil
		}
		c.CloseSocket()
	}

	err := walkHosts(c, drv, false)
	if err != nil && allHostsUnreachable(c) {
		// every verdict may be stale; one more walk ignoring them
		err = walkHosts(c, drv, true)
	}
	if err != nil {
		if protocol.ErrCode(err) == ccierr.ErrQueryTimeout {
			err = ccierr.New(ccierr.ErrLoginTimeout, "")
		}
		return err
	}

	if c.Broker.StatementPooling {
		// server-side statement ids from the previous socket are stale
		c.InvalidateAllReqHandles()
	}
	c.NoBackslashEscapes = handle.BackslashEscapesNotSet

	// finalize the login; the response carries the session status byte
	ctx, cancel := callCtx(c)
	err = c.Sock.EndTran(ctx, protocol.TranCommit)
	cancel()
	if err != nil {
		c.CloseSocket()
		return err
	}
	c.SyncTranStatus()
	return nil
}

func walkHosts(c *handle.Conn, drv protocol.Driver, ignoreStatus bool) error {
	var lastErr error
	n := c.HostCount()
	for i := 0; i < n; i++ {
		idx := (c.CurHost + i) % n
		addr := c.AddrAt(idx)
		if !ignoreStatus && !hostReg.IsReachable(addr, c.RCTime) {
			continue
		}
		ctx, cancel := callCtx(c)
		sock, info, err := drv.Dial(ctx, addr, protocol.Auth{DBName: c.DBName, User: c.User, Password: c.Password}, c.RemainingBudget())
		cancel()
		if err == nil {
			hostReg.SetStatus(addr, true)
			collector.Reconnect(addr.String(), true)
			collector.SetHostReachable(addr.String(), true)
			c.CurHost = idx
			c.Sock = sock
			if info != nil {
				c.Broker = *info
			}
			if idx != 0 {
				slog.Warn("connected to alternate host", "url", c.URL, "host", addr.String())
			}
			return nil
		}
		lastErr = err
		switch protocol.ErrCode(err) {
		case ccierr.ErrCommunication, ccierr.ErrConnect, ccierr.ErrLoginTimeout, ccierr.CASErrFreeServer:
			hostReg.SetStatus(addr, false)
			collector.Reconnect(addr.String(), false)
			collector.SetHostReachable(addr.String(), false)
			slog.Warn("host unreachable", "host", addr.String(), "err", err)
			continue
		default:
			// a login rejection or server-side failure is fatal for the walk
			return err
		}
	}
	if lastErr == nil {
		lastErr = ccierr.New(ccierr.ErrConnect, "")
	}
	return lastErr
}

func allHostsUnreachable(c *handle.Conn) bool {
	for i := 0; i < c.HostCount(); i++ {
		if hostReg.IsReachable(c.AddrAt(i), c.RCTime) {
			return false
		}
	}
	return true
}

// applyFailback hard-closes a healthy socket when the cooldown-armed
// failback flag is set, so the next walk re-runs host selection from the
// primary. Only acts out of transaction.
func applyFailback(c *handle.Conn) {
	if c.ForceFailback && c.Status == handle.OutTran {
		c.ForceFailback = false
		c.CurHost = 0
		if c.Connected() {
			slog.Info("failing back to primary host", "url", c.URL)
			c.CloseSocket()
		}
	}
}

// handleQueryTimeout tears the socket down after a query timeout when the
// session asks for it.
func handleQueryTimeout(c *handle.Conn, err error) {
	if err == nil {
		return
	}
	if protocol.ErrCode(err) == ccierr.ErrQueryTimeout && c.DisconnectOnQueryTimeout {
		c.CloseSocket()
	}
}

// casInfo builds the operator-facing suffix identity for a connection.
func casInfo(c *handle.Conn) ccierr.CASInfo {
	addr := c.CurrentAddr()
	return ccierr.CASInfo{
		IP:     addr.IP,
		Port:   addr.Port,
		CASID:  c.Broker.CAS.ID,
		CASPID: c.Broker.CAS.PID,
		Shard:  c.ShardID > 0,
	}
}

// copyOut converts an internal error into the caller-visible form: the
// connection error buffer is filled (first error wins) and the returned
// error carries the CAS INFO suffix.
func copyOut(c *handle.Conn, err error) error {
	if err == nil {
		return nil
	}
	code := protocol.ErrCode(err)
	c.ErrBuf.Set(code, err.Error())
	var out ccierr.Buffer
	ccierr.CopyOut(&out, &c.ErrBuf, casInfo(c))
	return &ccierr.Error{Code: out.Code, Msg: out.Msg}
}

// withConn is the shared entry-point template: resolve the id (marking the
// handle used), zero the error buffer, run the work, copy the error out,
// clear used.
func withConn(mappedID int, fn func(c *handle.Conn) error) error {
	c, err := tbl.GetConn(mappedID, false)
	if err != nil {
		return err
	}
	defer tbl.Release(c)
	c.ErrBuf.Reset()
	return copyOut(c, fn(c))
}

// withReq is withConn for statement-level entry points.
func withReq(mappedStmtID int, fn func(c *handle.Conn, r *handle.Req) error) error {
	c, r, err := tbl.GetReq(mappedStmtID)
	if err != nil {
		return err
	}
	defer tbl.Release(c)
	c.ErrBuf.Reset()
	return copyOut(c, fn(c, r))
}
