package gocci

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gocci/gocci/ccierr"
	"github.com/gocci/gocci/internal/handle"
	"github.com/gocci/gocci/internal/outerjoin"
	"github.com/gocci/gocci/internal/protocol"
)

// Re-exported cursor origins.
const (
	CursorFirst   = handle.CursorFirst
	CursorCurrent = handle.CursorCurrent
	CursorLast    = handle.CursorLast
)

// Prepare compiles a statement and returns its opaque statement id. With
// statement pooling enabled on the broker, a repeat of the same SQL text is
// served from the per-connection pool without a server round-trip.
func Prepare(connID int, sql string, flag protocol.PrepareFlag) (int, error) {
	var stmtID int
	err := withConn(connID, func(c *handle.Conn) error {
		id, err := prepareInternal(c, sql, flag)
		stmtID = id
		return err
	})
	return stmtID, err
}

func prepareInternal(c *handle.Conn, sql string, flag protocol.PrepareFlag) (int, error) {
	rewritten, err := outerjoin.Rewrite(sql)
	if err != nil {
		return 0, &protocol.ServerError{Code: ccierr.ErrDBMS, Msg: err.Error()}
	}

	if c.Broker.StatementPooling {
		if local, ok := c.Pool().Get(rewritten); ok {
			if r := c.Req(local); r != nil {
				collector.StmtPoolLookup(true)
				c.Pool().MarkInUse(local)
				r.QueryTimeout = c.QueryTimeout
				tbl.MapReq(c, r)
				return r.MappedID, nil
			}
		}
		collector.StmtPoolLookup(false)
	}

	r := tbl.AllocReq(c)
	r.SQL = rewritten
	r.PrepareFlag = flag
	r.Type = protocol.HandlePrepare
	r.IsHoldable = flag&protocol.PrepareHoldable != 0 || c.Holdability == 1

	applyFailback(c)
	c.SetStartTimeForQuery(r)
	defer c.ResetStartTime()

	err = withRetry(c, r, true, func(ctx context.Context) error {
		res, perr := c.Sock.Prepare(ctx, r.SQL, flag)
		if perr == nil {
			r.SetPrepared(res)
		}
		return perr
	})
	handleQueryTimeout(c, err)
	if err != nil {
		tbl.FreeReq(c, r)
		return 0, err
	}
	if c.Broker.StatementPooling {
		c.Pool().MarkInUse(r.LocalID)
	}
	return r.MappedID, nil
}

// Execute runs a prepared statement and returns the affected-row count (or
// the size hint for selects). A handle invalidated by a reconnect is
// transparently re-prepared first.
func Execute(stmtID int, flag protocol.ExecFlag, maxRow int) (int, error) {
	var affected int
	err := withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		c.ShardID = 0
		// asynchronous mode is unsupported; a bare plan request still
		// needs the query info payload to be useful
		flag &^= protocol.ExecAsync
		if flag&protocol.ExecOnlyQueryPlan != 0 {
			flag |= protocol.ExecQueryInfo
		}
		r.ExecFlag = flag
		if maxRow > 0 {
			r.MaxRow = maxRow
		}

		applyFailback(c)
		c.SetStartTimeForQuery(r)
		defer c.ResetStartTime()

		start := time.Now()
		err := executeWithRecovery(c, r)
		handleQueryTimeout(c, err)
		if err == nil {
			affected = r.AffectedRows
			if c.SlowQueryThreshold > 0 {
				if elapsed := time.Since(start); elapsed > c.SlowQueryThreshold {
					slog.Warn("slow query", "url", c.URL, "elapsed", elapsed, "sql", r.SQL)
					collector.SlowQuery(c.URL)
				}
			}
		}
		return err
	})
	return affected, err
}

// executeWithRecovery drives prepare-if-invalidated, the reconnect retry
// loop and the layered STMT_POOLING recovery: on modern brokers one retry
// with the plan pinned; on older ones, retry with the original flags until
// the plan sticks, freeing the stale content before each re-prepare.
func executeWithRecovery(c *handle.Conn, r *handle.Req) error {
	firstInTran := c.Status == handle.OutTran

	prepareAgain := func(ctx context.Context, pin bool) error {
		flags := r.PrepareFlag
		if pin {
			flags |= protocol.PrepareXASLCachePinned
		}
		res, err := c.Sock.Prepare(ctx, r.SQL, flags)
		if err == nil {
			r.SetPrepared(res)
		}
		return err
	}
	doExec := func(ctx context.Context) error {
		if !r.Valid {
			if err := prepareAgain(ctx, false); err != nil {
				return err
			}
		}
		res, err := c.Sock.Execute(ctx, r.ServerStmtID, r.ExecFlag, r.MaxRow, r.Binds())
		if err == nil {
			applyExecResult(c, r, res)
		}
		return err
	}

	err := withRetry(c, r, firstInTran, doExec)
	for err != nil && protocol.ErrCode(err) == ccierr.CASErrStmtPooling {
		collector.Retry("stmt_pooling")
		r.FreeContent()
		if c.Broker.ProtocolVersion >= protocol.ProtocolV7 {
			return withRetry(c, r, firstInTran, func(ctx context.Context) error {
				if perr := prepareAgain(ctx, true); perr != nil {
					return perr
				}
				res, eerr := c.Sock.Execute(ctx, r.ServerStmtID, r.ExecFlag, r.MaxRow, r.Binds())
				if eerr == nil {
					applyExecResult(c, r, res)
				}
				return eerr
			})
		}
		err = withRetry(c, r, firstInTran, doExec)
	}
	return err
}

func applyExecResult(c *handle.Conn, r *handle.Req, res *protocol.ExecResult) {
	r.AffectedRows = res.AffectedRows
	r.QueryResults = res.Results
	r.ResultSetIdx = 0
	r.CursorPos = 0
	r.FetchedBegin = 0
	r.FetchedEnd = 0
	r.Tuples = nil
	r.IsClosed = false
	r.IsFromCurrentTran = true
	c.ShardID = res.ShardID
}

// PrepareAndExecute compiles and immediately runs a statement.
func PrepareAndExecute(connID int, sql string, flag protocol.ExecFlag, maxRow int) (stmtID, affected int, err error) {
	stmtID, err = Prepare(connID, sql, 0)
	if err != nil {
		return 0, 0, err
	}
	affected, err = Execute(stmtID, flag, maxRow)
	if err != nil {
		_ = CloseReqHandle(stmtID)
		return 0, 0, err
	}
	return stmtID, affected, nil
}

// ExecuteArray runs a prepared statement once per accumulated bind row and
// returns the per-row result vector.
func ExecuteArray(stmtID int) ([]protocol.QueryResult, error) {
	var results []protocol.QueryResult
	err := withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		if r.ArraySize() <= 0 {
			return ccierr.New(ccierr.ErrBindArraySize, "")
		}
		applyFailback(c)
		c.SetStartTimeForQuery(r)
		defer c.ResetStartTime()
		err := withRetry(c, r, c.Status == handle.OutTran, func(ctx context.Context) error {
			if !r.Valid {
				res, perr := c.Sock.Prepare(ctx, r.SQL, r.PrepareFlag)
				if perr != nil {
					return perr
				}
				r.SetPrepared(res)
			}
			res, eerr := c.Sock.ExecuteArray(ctx, r.ServerStmtID, r.ArrayBinds())
			if eerr == nil {
				results = res.Results
				r.QueryResults = res.Results
				c.ShardID = res.ShardID
			}
			return eerr
		})
		handleQueryTimeout(c, err)
		return err
	})
	return results, err
}

// ExecuteBatch runs a list of statements in one round trip and returns the
// per-statement result vector.
func ExecuteBatch(connID int, sqls []string) ([]protocol.QueryResult, error) {
	var results []protocol.QueryResult
	err := withConn(connID, func(c *handle.Conn) error {
		applyFailback(c)
		c.SetStartTimeForQuery(nil)
		defer c.ResetStartTime()
		err := withRetry(c, nil, c.Status == handle.OutTran, func(ctx context.Context) error {
			res, eerr := c.Sock.ExecuteBatch(ctx, sqls)
			if eerr == nil {
				results = res.Results
				c.ShardID = res.ShardID
			}
			return eerr
		})
		handleQueryTimeout(c, err)
		return err
	})
	return results, err
}

// NextResult advances a multi-resultset statement to its next result set.
func NextResult(stmtID int) error {
	return withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		c.SetStartTimeForQuery(r)
		defer c.ResetStartTime()
		return withRetry(c, r, false, func(ctx context.Context) error {
			res, err := c.Sock.NextResult(ctx, r.ServerStmtID)
			if err != nil {
				return err
			}
			r.NumCols = res.NumCols
			r.Cols = res.Cols
			r.StmtType = res.StmtType
			r.ResultSetIdx++
			r.CursorPos = 0
			r.FetchedBegin = 0
			r.FetchedEnd = 0
			r.Tuples = nil
			return nil
		})
	})
}

// Cursor positions the statement cursor. offset is interpreted against the
// given origin; positions are 1-based.
func Cursor(stmtID int, offset int, origin handle.CursorOrigin) error {
	return withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		var pos int
		switch origin {
		case handle.CursorFirst:
			pos = offset
		case handle.CursorCurrent:
			pos = r.CursorPos + offset
		default:
			return ccierr.New(ccierr.ErrInvalidCursorPos, "cursor from last is not supported")
		}
		if pos < 1 {
			return ccierr.New(ccierr.ErrInvalidCursorPos, "")
		}
		r.CursorPos = pos
		return nil
	})
}

// Fetch pulls the row window containing the cursor position into the client
// buffer.
func Fetch(stmtID int) error { return fetchInternal(stmtID, false) }

// FetchSensitive is Fetch with sensitive visibility; it is rejected on
// holdable handles.
func FetchSensitive(stmtID int) error { return fetchInternal(stmtID, true) }

func fetchInternal(stmtID int, sensitive bool) error {
	return withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		if sensitive && r.IsHoldable {
			return ccierr.New(ccierr.CASErrHoldableNotAllowed, "")
		}
		if r.IsClosed {
			return ccierr.New(ccierr.ErrResultSetClosed, "")
		}
		if r.CursorPos == 0 {
			r.CursorPos = 1
		}
		if r.TupleAt(r.CursorPos) == nil {
			c.SetStartTimeForQuery(r)
			defer c.ResetStartTime()
			err := withRetry(c, r, false, func(ctx context.Context) error {
				res, ferr := c.Sock.Fetch(ctx, r.ServerStmtID, r.CursorPos, r.FetchSize, sensitive, r.ResultSetIdx)
				if ferr == nil {
					r.SetFetched(res)
				}
				return ferr
			})
			handleQueryTimeout(c, err)
			if err != nil {
				return err
			}
		}
		if r.TupleAt(r.CursorPos) == nil {
			return ccierr.New(ccierr.ErrNoMoreData, "")
		}
		if c.Status == handle.OutTran {
			hostReg.CheckFailback(c)
		}
		return nil
	})
}

// GetData converts the column at 1-based index of the current row to the
// requested caller-side type.
func GetData(stmtID int, colIdx int, t protocol.AType) (any, error) {
	var out any
	err := withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		tuple := r.TupleAt(r.CursorPos)
		if tuple == nil {
			return ccierr.New(ccierr.ErrNoMoreData, "")
		}
		if colIdx < 1 || colIdx > len(tuple.Columns) {
			return ccierr.New(ccierr.ErrColumnIndex, "")
		}
		v, err := convertValue(tuple.Columns[colIdx-1], t)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// convertValue dispatches a decoded column value to the requested
// representation. Heavy type conversion lives in the codec; this only
// bridges the handful of shapes the codec hands back.
func convertValue(v any, t protocol.AType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case protocol.AString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		default:
			return fmt.Sprint(x), nil
		}
	case protocol.AInt:
		switch x := v.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case string:
			n, err := strconv.Atoi(x)
			if err != nil {
				return nil, ccierr.New(ccierr.ErrConversion, "")
			}
			return n, nil
		}
	case protocol.ABigint:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case string:
			n, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return nil, ccierr.New(ccierr.ErrConversion, "")
			}
			return n, nil
		}
	case protocol.AFloat, protocol.ADouble:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, ccierr.New(ccierr.ErrConversion, "")
			}
			return f, nil
		}
	case protocol.ABit, protocol.ASet, protocol.ABlob, protocol.AClob:
		return v, nil
	}
	return nil, ccierr.New(ccierr.ErrConversion, "")
}

// BindParam binds one parameter value. index is 1-based.
func BindParam(stmtID int, index int, a protocol.AType, u protocol.UType, value any) error {
	return withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		bv := protocol.BindValue{AType: a, UType: u, Value: value, Null: value == nil, Mode: protocol.ParamModeIn}
		if !r.Bind(index, bv) {
			return ccierr.New(ccierr.ErrBindIndex, "")
		}
		return nil
	})
}

// RegisterOutParam marks a parameter as an output of a CALL statement.
func RegisterOutParam(stmtID int, index int, u protocol.UType) error {
	return withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		bv, _ := r.BindInfo(index)
		bv.Mode |= protocol.ParamModeOut
		bv.UType = u
		if !r.Bind(index, bv) {
			return ccierr.New(ccierr.ErrBindIndex, "")
		}
		return nil
	})
}

// GetBindInfo returns the bind value currently recorded at index.
func GetBindInfo(stmtID int, index int) (protocol.BindValue, error) {
	var out protocol.BindValue
	err := withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		bv, ok := r.BindInfo(index)
		if !ok {
			return ccierr.New(ccierr.ErrBindIndex, "")
		}
		out = bv
		return nil
	})
	return out, err
}

// BindParamArraySize declares how many rows of array binds will follow.
// Must precede BindArrayRow.
func BindParamArraySize(stmtID int, n int) error {
	return withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		if n <= 0 {
			return ccierr.New(ccierr.ErrBindArraySize, "")
		}
		r.SetArraySize(n)
		return nil
	})
}

// BindArrayRow appends one row of parameter values for ExecuteArray.
func BindArrayRow(stmtID int, row []protocol.BindValue) error {
	return withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		if r.ArraySize() <= 0 {
			return ccierr.New(ccierr.ErrBindArraySize, "")
		}
		if !r.AppendArrayRow(row) {
			return ccierr.New(ccierr.ErrBindArraySize, "")
		}
		return nil
	})
}

// SetFetchSize overrides the per-fetch row count.
func SetFetchSize(stmtID int, n int) error {
	return withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		if n <= 0 {
			n = handle.DefaultFetchSize
		}
		r.FetchSize = n
		return nil
	})
}

// SetMaxRow caps how many rows an execute may return.
func SetMaxRow(stmtID int, n int) error {
	return withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		r.MaxRow = n
		return nil
	})
}

// SetQueryTimeout overrides the statement's deadline.
func SetQueryTimeout(stmtID int, d time.Duration) error {
	return withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		r.QueryTimeout = d
		return nil
	})
}

// GetResultInfo returns the column metadata and statement type of the
// current result set.
func GetResultInfo(stmtID int) ([]protocol.ColInfo, protocol.StmtType, error) {
	var cols []protocol.ColInfo
	var st protocol.StmtType
	err := withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		cols = r.Cols
		st = r.StmtType
		return nil
	})
	return cols, st, err
}

// QueryResults returns the per-statement result vector of the last execute.
func QueryResults(stmtID int) ([]protocol.QueryResult, error) {
	var out []protocol.QueryResult
	err := withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		out = r.QueryResults
		return nil
	})
	return out, err
}

// CloseResultSet closes the statement's open result set but keeps the
// prepared statement usable.
func CloseResultSet(stmtID int) error {
	return withReq(stmtID, func(c *handle.Conn, r *handle.Req) error {
		if c.Connected() && r.ServerStmtID != 0 && !r.IsClosed {
			ctx, cancel := callCtx(c)
			_ = c.Sock.CloseResultSet(ctx, r.ServerStmtID)
			cancel()
		}
		r.CloseResultSet()
		return nil
	})
}

// CloseReqHandle releases a statement id. With statement pooling the handle
// is parked for reuse under its SQL text; otherwise it is closed on the
// server and freed. Either way the mapped id stops resolving.
func CloseReqHandle(stmtID int) error {
	c, r, err := tbl.GetReq(stmtID)
	if err != nil {
		return err
	}
	defer tbl.Release(c)
	c.ErrBuf.Reset()
	return copyOut(c, closeReqInternal(c, r))
}

func closeReqInternal(c *handle.Conn, r *handle.Req) error {
	if c.Broker.StatementPooling && r.SQL != "" && r.Type == protocol.HandlePrepare {
		if c.Connected() && r.ServerStmtID != 0 && !r.IsClosed {
			ctx, cancel := callCtx(c)
			_ = c.Sock.CloseResultSet(ctx, r.ServerStmtID)
			cancel()
		}
		r.CloseResultSet()
		if c.Autocommit && c.Status == handle.InTran {
			_ = endTranInternal(c, protocol.TranRollback)
		}
		if c.Pool().Put(r.SQL, r.LocalID) {
			c.Pool().ClearInUse(r.LocalID)
			tbl.UnmapReq(r)
			return nil
		}
	}

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
	return nil
}
