package handle

import (
	"time"

	"github.com/gocci/gocci/internal/protocol"
)

// DefaultFetchSize is the number of rows pulled per fetch round-trip.
const DefaultFetchSize = 100

// Cursor origins for the cursor operation.
type CursorOrigin int

const (
	CursorFirst CursorOrigin = iota
	CursorCurrent
	CursorLast
)

// Req is one request handle: a prepared statement (or schema/OID/collection
// query) plus its bind values, result metadata and fetch window. A request
// handle is owned by exactly one connection.
type Req struct {
	conn    *Conn
	LocalID int
	// MappedID is the external cookie; zero while the handle is parked in
	// the statement pool.
	MappedID int

	SQL         string
	PrepareFlag protocol.PrepareFlag
	ExecFlag    protocol.ExecFlag
	Type        protocol.HandleType

	ServerStmtID int
	StmtType     protocol.StmtType
	NumCols      int
	Cols         []protocol.ColInfo
	NumMarkers   int
	Updatable    bool

	binds     []protocol.BindValue
	bindBound []bool
	arrayBinds [][]protocol.BindValue
	arraySize  int

	// Cursor and fetch-window state. FetchedBegin/FetchedEnd bound the
	// rows currently buffered; CursorPos is 1-based.
	CursorPos    int
	FetchedBegin int
	FetchedEnd   int
	Tuples       []protocol.Tuple

	FetchSize    int
	MaxRow       int
	QueryTimeout time.Duration

	QueryResults []protocol.QueryResult
	ResultSetIdx int
	AffectedRows int

	// Valid is cleared on reconnect; the driver re-prepares before the
	// next execute when false.
	Valid bool
	// IsClosed and IsFromCurrentTran control what happens to a held
	// result set when the transaction ends.
	IsClosed          bool
	IsFromCurrentTran bool
	IsHoldable        bool
}

func newReq(c *Conn, localID int) *Req {
	return &Req{
		conn:              c,
		LocalID:           localID,
		FetchSize:         DefaultFetchSize,
		QueryTimeout:      c.QueryTimeout,
		Valid:             false,
		IsFromCurrentTran: true,
	}
}

// Conn returns the owning connection, or nil after unlink.
func (r *Req) Conn() *Conn { return r.conn }

// SetPrepared installs the server's prepare response into the handle.
func (r *Req) SetPrepared(res *protocol.PrepareResult) {
	r.ServerStmtID = res.ServerStmtID
	r.StmtType = res.StmtType
	r.NumCols = res.NumCols
	r.Cols = res.Cols
	r.NumMarkers = res.NumMarkers
	r.Updatable = res.Updatable
	r.Valid = true
	r.IsClosed = false
	r.IsFromCurrentTran = true
	if r.binds == nil || len(r.binds) != res.NumMarkers {
		r.binds = make([]protocol.BindValue, res.NumMarkers)
		r.bindBound = make([]bool, res.NumMarkers)
	}
}

// Bind records one parameter value. index is 1-based.
func (r *Req) Bind(index int, v protocol.BindValue) bool {
	if index < 1 || (r.NumMarkers > 0 && index > r.NumMarkers) {
		return false
	}
	if index > len(r.binds) {
		grown := make([]protocol.BindValue, index)
		copy(grown, r.binds)
		r.binds = grown
		grownB := make([]bool, index)
		copy(grownB, r.bindBound)
		r.bindBound = grownB
	}
	r.binds[index-1] = v
	r.bindBound[index-1] = true
	return true
}

// Binds returns the current bind vector.
func (r *Req) Binds() []protocol.BindValue { return r.binds }

// BindInfo returns the bind value at 1-based index.
func (r *Req) BindInfo(index int) (protocol.BindValue, bool) {
	if index < 1 || index > len(r.binds) || !r.bindBound[index-1] {
		return protocol.BindValue{}, false
	}
	return r.binds[index-1], true
}

// SetArraySize prepares the handle for array binding of n rows. Must be
// called before any array bind.
func (r *Req) SetArraySize(n int) {
	r.arraySize = n
	r.arrayBinds = make([][]protocol.BindValue, 0, n)
}

// ArraySize returns the declared array-bind row count, zero when unset.
func (r *Req) ArraySize() int { return r.arraySize }

// AppendArrayRow adds one row of array binds.
func (r *Req) AppendArrayRow(row []protocol.BindValue) bool {
	if r.arraySize <= 0 || len(r.arrayBinds) >= r.arraySize {
		return false
	}
	r.arrayBinds = append(r.arrayBinds, row)
	return true
}

// ArrayBinds returns the accumulated array-bind rows.
func (r *Req) ArrayBinds() [][]protocol.BindValue { return r.arrayBinds }

// SetFetched installs a fetch window.
func (r *Req) SetFetched(res *protocol.FetchResult) {
	r.Tuples = res.Tuples
	r.FetchedBegin = res.Begin
	r.FetchedEnd = res.End
}

// TupleAt returns the buffered tuple at the 1-based absolute cursor
// position, or nil when the position is outside the fetched window.
func (r *Req) TupleAt(pos int) *protocol.Tuple {
	if pos < r.FetchedBegin || pos > r.FetchedEnd || r.FetchedBegin == 0 {
		return nil
	}
	i := pos - r.FetchedBegin
	if i < 0 || i >= len(r.Tuples) {
		return nil
	}
	return &r.Tuples[i]
}

// FreeContent drops everything the last prepare/execute produced while
// keeping the SQL text, flags and bind values, so the statement can be
// re-prepared and replayed after a reconnect or a STMT_POOLING retry.
func (r *Req) FreeContent() {
	r.ServerStmtID = 0
	r.NumCols = 0
	r.Cols = nil
	r.CursorPos = 0
	r.FetchedBegin = 0
	r.FetchedEnd = 0
	r.Tuples = nil
	r.QueryResults = nil
	r.ResultSetIdx = 0
	r.AffectedRows = 0
	r.Valid = false
}

// CloseResultSet drops the fetch window but keeps the prepared statement.
func (r *Req) CloseResultSet() {
	r.CursorPos = 0
	r.FetchedBegin = 0
	r.FetchedEnd = 0
	r.Tuples = nil
	r.IsClosed = true
}
