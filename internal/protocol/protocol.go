// Package protocol defines the contract between the client core and the wire
// codec that speaks to the broker. The core never frames bytes itself: it
// drives a Requester per socket and a Driver for socket lifecycle, and treats
// everything behind those interfaces as an external collaborator.
package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/gocci/gocci/ccierr"
)

// HostAddr is a broker endpoint.
type HostAddr struct {
	IP   string
	Port int
}

func (h HostAddr) String() string { return h.IP + ":" + itoa(h.Port) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Auth carries the credentials presented at login.
type Auth struct {
	DBName   string
	User     string
	Password string
}

// CASIdent identifies the broker worker serving a connection; the cancel
// side-channel is keyed by it.
type CASIdent struct {
	ID  int
	PID int
}

// BrokerInfo is the capability blob harvested from the login response.
type BrokerInfo struct {
	ProtocolVersion         int
	StatementPooling        bool
	ReconnectWhenServerDown bool
	ServerVersion           string
	CAS                     CASIdent
}

// Protocol versions the core makes decisions on. At V7 and above the broker
// honors plan pinning, which makes the STMT_POOLING retry exactly-once safe.
const ProtocolV7 = 7

// Statement types reported by prepare.
type StmtType int

const (
	StmtSelect StmtType = iota
	StmtInsert
	StmtUpdate
	StmtDelete
	StmtCall
	StmtDDL
	StmtCommit
	StmtRollback
	StmtOther
)

// Handle types. Prepared statements, OID fetches, schema queries and
// collection fetches all flow through request handles.
type HandleType int

const (
	HandlePrepare HandleType = iota
	HandleOIDGet
	HandleSchemaInfo
	HandleColGet
)

// Prepare flags.
type PrepareFlag int

const (
	PrepareHoldable       PrepareFlag = 1 << 0
	PrepareUpdatable      PrepareFlag = 1 << 1
	PrepareIncludeOID     PrepareFlag = 1 << 2
	PrepareXASLCachePinned PrepareFlag = 1 << 3
	PrepareCallSP         PrepareFlag = 1 << 4
)

// Execute flags.
type ExecFlag int

const (
	ExecAsync         ExecFlag = 1 << 0
	ExecQueryAll      ExecFlag = 1 << 1
	ExecQueryInfo     ExecFlag = 1 << 2
	ExecOnlyQueryPlan ExecFlag = 1 << 3
	ExecThreadMode    ExecFlag = 1 << 4
)

// Transaction end types.
type TranType int

const (
	TranCommit TranType = iota + 1
	TranRollback
)

// Isolation levels accepted by the session. Unknown means "leave the server
// default alone".
type Isolation int

const (
	TranUnknownIsolation Isolation = 0
	TranReadCommitted    Isolation = 4
	TranRepeatableRead   Isolation = 5
	TranSerializable     Isolation = 6
)

// Session parameter identifiers for Get/SetDBParameter.
type Param int

const (
	ParamIsolationLevel Param = iota + 1
	ParamLockTimeout
	ParamMaxStringLength
	ParamAutoCommit
	ParamNoBackslashEscapes
)

// Schema query kinds.
type SchemaKind int

const (
	SchemaClass SchemaKind = iota + 1
	SchemaVClass
	SchemaQuerySpec
	SchemaAttribute
	SchemaClassPrivilege
	SchemaAttrPrivilege
	SchemaTrigger
	SchemaClassMethod
	SchemaMethodFile
	SchemaSuperclass
	SchemaSubclass
	SchemaConstraint
	SchemaIndexInfo
	SchemaPrimaryKey
	SchemaImportedKeys
	SchemaExportedKeys
	SchemaCrossReference
)

// UType is a database-side value type id.
type UType int

const (
	UNull UType = iota
	UChar
	UString
	UNChar
	UVarNChar
	UBit
	UVarBit
	UNumeric
	UInt
	UShort
	UFloat
	UDouble
	UDate
	UTime
	UTimestamp
	UDatetime
	USet
	UMultiset
	USequence
	UObject
	UBigint
	UBlob
	UClob
	UEnum
)

// AType is the caller-side representation requested for bind or get-data.
type AType int

const (
	AString AType = iota + 1
	AInt
	AFloat
	ADouble
	ABit
	ASet
	ABigint
	ABlob
	AClob
)

// Bind parameter modes.
type BindMode int

const (
	ParamModeIn  BindMode = 1
	ParamModeOut BindMode = 2
)

// BindValue is one bound parameter as handed to the codec.
type BindValue struct {
	AType AType
	UType UType
	Value any
	Null  bool
	Mode  BindMode
}

// ColInfo describes one result column.
type ColInfo struct {
	Name      string
	RealName  string
	ClassName string
	Type      UType
	Scale     int
	Precision int
	Nullable  bool
}

// Object is a server object identity (per-row OID).
type Object struct {
	PageID int
	SlotID int
	VolID  int
}

// Tuple is one decoded fetched row.
type Tuple struct {
	Index   int
	OID     Object
	Columns []any
}

// PrepareResult is the codec's answer to a prepare (or schema-info) request.
type PrepareResult struct {
	ServerStmtID int
	StmtType     StmtType
	NumCols      int
	Cols         []ColInfo
	Updatable    bool
	NumMarkers   int
}

// QueryResult is one element of the per-statement result vector.
type QueryResult struct {
	StmtType     StmtType
	AffectedRows int
	ErrCode      int
	ErrMsg       string
	OID          Object
}

// ExecResult is the codec's answer to execute/execute-array/execute-batch.
type ExecResult struct {
	AffectedRows int
	Results      []QueryResult
	ShardID      int
}

// FetchResult is one batch of rows.
type FetchResult struct {
	Tuples []Tuple
	// Begin and End are the 1-based bounds of the fetched window.
	Begin, End int
	Last       bool
}

// LOB is an opaque large-object locator owned by the server.
type LOB struct {
	Handle []byte
	Size   int64
}

// ServerError is returned by Requester calls that failed on the server or the
// transport. Code is the outer taxonomy code; DBMSCode carries the secondary
// database error when Code is the DBMS class.
type ServerError struct {
	Code     ccierr.Code
	DBMSCode int
	Msg      string
}

func (e *ServerError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return ccierr.Message(e.Code)
}

// ErrCode extracts the outer taxonomy code from any error returned by a
// Requester, mapping unknown errors to the communication class.
func ErrCode(err error) ccierr.Code {
	if err == nil {
		return ccierr.NoError
	}
	if se, ok := err.(*ServerError); ok {
		return se.Code
	}
	if ce, ok := err.(*ccierr.Error); ok {
		return ce.Code
	}
	return ccierr.ErrCommunication
}

// DBMSCode extracts the secondary database error code, or zero.
func DBMSCode(err error) int {
	if se, ok := err.(*ServerError); ok {
		return se.DBMSCode
	}
	return 0
}

// Requester is one live protocol conversation over one socket. All blocking
// calls honor the context deadline; the core derives it from the
// login/query-timeout budget in effect. InTransaction reflects the status
// byte of the most recent response.
type Requester interface {
	Ping(ctx context.Context) error
	InTransaction() bool

	EndTran(ctx context.Context, t TranType) error
	Prepare(ctx context.Context, sql string, flags PrepareFlag) (*PrepareResult, error)
	Execute(ctx context.Context, serverStmtID int, flags ExecFlag, maxRow int, binds []BindValue) (*ExecResult, error)
	ExecuteArray(ctx context.Context, serverStmtID int, binds [][]BindValue) (*ExecResult, error)
	ExecuteBatch(ctx context.Context, sqls []string) (*ExecResult, error)
	NextResult(ctx context.Context, serverStmtID int) (*PrepareResult, error)
	Fetch(ctx context.Context, serverStmtID int, pos, fetchSize int, fetchFlag bool, resultSetIdx int) (*FetchResult, error)
	CloseStatement(ctx context.Context, serverStmtID int) error
	CloseResultSet(ctx context.Context, serverStmtID int) error

	GetDBParameter(ctx context.Context, p Param) (int, error)
	SetDBParameter(ctx context.Context, p Param, value int) error
	GetQueryPlan(ctx context.Context, sql string) (string, error)
	LastInsertID(ctx context.Context) (string, error)

	SchemaInfo(ctx context.Context, kind SchemaKind, arg1, arg2 string, pattern int) (*PrepareResult, error)
	OIDGet(ctx context.Context, oid Object, attrs []string) (*PrepareResult, error)
	OIDPut(ctx context.Context, oid Object, attrs []string, vals []BindValue) error
	OIDCmd(ctx context.Context, oid Object, cmd int) (int, error)

	LOBNew(ctx context.Context, typ UType) (*LOB, error)
	LOBRead(ctx context.Context, lob *LOB, offset int64, buf []byte) (int, error)
	LOBWrite(ctx context.Context, lob *LOB, offset int64, data []byte) (int, error)

	CollectionGet(ctx context.Context, oid Object, attr string) (*PrepareResult, error)
	CollectionCmd(ctx context.Context, oid Object, attr string, cmd int, vals []BindValue) error

	Close() error
}

// Driver opens sockets and the out-of-band cancel channel. One Driver serves
// the whole process.
type Driver interface {
	// Dial connects and logs in to one broker host within timeout
	// (zero means no limit) and returns the live conversation plus the
	// broker's capability blob.
	Dial(ctx context.Context, host HostAddr, auth Auth, timeout time.Duration) (Requester, *BrokerInfo, error)
	// Cancel opens a fresh control socket and sends an out-of-band cancel
	// for the request currently running on the given worker.
	Cancel(ctx context.Context, host HostAddr, cas CASIdent) error
	// Ping performs a trivial handshake against a host without logging in.
	Ping(ctx context.Context, host HostAddr, timeout time.Duration) error
}

var (
	driverMu sync.RWMutex
	driver   Driver
)

// Register installs the process-wide wire codec. Typically called from an
// init function of the codec package; tests install fakes.
func Register(d Driver) {
	driverMu.Lock()
	defer driverMu.Unlock()
	driver = d
}

// Registered returns the installed driver, or nil when none is registered.
func Registered() Driver {
	driverMu.RLock()
	defer driverMu.RUnlock()
	return driver
}
