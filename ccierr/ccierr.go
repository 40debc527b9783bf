// Package ccierr defines the client- and server-side error taxonomy shared by
// every layer of the gocci client, plus the per-connection error buffer that
// public entry points copy out to callers.
package ccierr

import "fmt"

// Code is a signed error code. Client-side codes occupy -100..-999,
// server-side (CAS) codes occupy -1000..-1999. Zero means no error.
type Code int

// Client-side error codes.
const (
	NoError            Code = 0
	ErrNoMoreMemory    Code = -100
	ErrCommunication   Code = -101
	ErrNoMoreData      Code = -102
	ErrTranType        Code = -103
	ErrStringParam     Code = -104
	ErrBindValueType   Code = -105
	ErrBindArraySize   Code = -106
	ErrAllocConHandle  Code = -107
	ErrReqHandle       Code = -108
	ErrInvalidCursorPos Code = -109
	ErrConversion      Code = -110
	ErrBindIndex       Code = -111
	ErrAttrType        Code = -112
	ErrColumnIndex     Code = -113
	ErrSchemaType      Code = -114
	ErrFileOpen        Code = -115
	ErrConnect         Code = -116
	ErrDBMS            Code = -117
	ErrConHandle       Code = -118
	ErrParamName       Code = -119
	ErrNoProperty      Code = -120
	ErrPropertyType    Code = -121
	ErrInvalidProperty Code = -122
	ErrInvalidDatasource Code = -123
	ErrDatasourceTimeout Code = -124
	ErrDatasourceTimedwait Code = -125
	ErrLoginTimeout    Code = -126
	ErrQueryTimeout    Code = -127
	ErrResultSetClosed Code = -128
	ErrInvalidHoldability Code = -129
	ErrNotUpdatable    Code = -130
	ErrInvalidArgs     Code = -131
	ErrUsedConnection  Code = -132
	ErrNoShardAvailable Code = -133
	ErrInvalidURL      Code = -134
	ErrInvalidLOBHandle Code = -135
	ErrInvalidLOBReadPos Code = -136
)

// Server-side (CAS) error codes.
const (
	CASErrDBMS            Code = -1000
	CASErrInternal        Code = -1001
	CASErrNoMoreMemory    Code = -1002
	CASErrCommunication   Code = -1003
	CASErrArgs            Code = -1004
	CASErrTranType        Code = -1005
	CASErrSrvHandle       Code = -1006
	CASErrNumBind         Code = -1007
	CASErrUnknownUType    Code = -1008
	CASErrNotBind         Code = -1009
	CASErrParamName       Code = -1010
	CASErrNoMoreData      Code = -1011
	CASErrObject          Code = -1012
	CASErrOpenFile        Code = -1013
	CASErrSchemaType      Code = -1014
	CASErrVersion         Code = -1015
	CASErrFreeServer      Code = -1016
	CASErrNotAuthorizedClient Code = -1017
	CASErrQueryCancel     Code = -1018
	CASErrNotCollection   Code = -1019
	CASErrCollectionDomain Code = -1020
	CASErrNoMoreResultSet Code = -1021
	CASErrInvalidCallStmt Code = -1022
	CASErrStmtPooling     Code = -1023
	CASErrDBServerDisconnected Code = -1024
	CASErrMaxClientExceeded Code = -1025
	CASErrInvalidCursorPos Code = -1026
	CASErrHoldableNotAllowed Code = -1027
)

// DBMS secondary codes that indicate the database server itself went away.
// These arrive wrapped inside a CCI_ER_DBMS outer code.
const (
	TMServerDownUnilaterallyAborted = -111
	ObjNoConnect                    = -74
	NetServerCrashed                = -199
	BoConnectFailed                 = -677
)

var messages = map[Code]string{
	NoError:                "no error",
	ErrNoMoreMemory:        "memory allocation error",
	ErrCommunication:       "cannot communicate with server",
	ErrNoMoreData:          "invalid cursor position",
	ErrBindArraySize:       "array binding size not specified",
	ErrAllocConHandle:      "cannot allocate connection handle",
	ErrReqHandle:           "cannot allocate request handle",
	ErrBindIndex:           "parameter index is out of range",
	ErrConnect:             "cannot connect to broker",
	ErrDBMS:                "database server error",
	ErrConHandle:           "invalid connection handle",
	ErrParamName:           "invalid parameter name",
	ErrNoProperty:          "property does not exist",
	ErrInvalidProperty:     "invalid property value",
	ErrInvalidDatasource:   "invalid datasource handle",
	ErrDatasourceTimeout:   "all connections are used",
	ErrDatasourceTimedwait: "timed wait on datasource failed",
	ErrLoginTimeout:        "connection timed out",
	ErrQueryTimeout:        "request timed out",
	ErrInvalidHoldability:  "invalid holdability mode",
	ErrNotUpdatable:        "request handle is not updatable",
	ErrInvalidArgs:         "invalid argument",
	ErrUsedConnection:      "connection is used",
	ErrNoShardAvailable:    "no shard available",
	ErrInvalidURL:          "invalid url string",
	ErrInvalidLOBHandle:    "invalid lob handle",
	ErrInvalidLOBReadPos:   "invalid lob read position",
	CASErrDBMS:             "database server error",
	CASErrCommunication:    "cannot receive data from client",
	CASErrNumBind:          "invalid parameter binding",
	CASErrNoMoreData:       "no more data",
	CASErrObject:           "invalid object reference",
	CASErrSchemaType:       "invalid schema type",
	CASErrFreeServer:       "cannot process the request; no free server",
	CASErrQueryCancel:      "cannot cancel the query",
	CASErrStmtPooling:      "invalid plan in the statement pool",
	CASErrDBServerDisconnected: "database server disconnected",
	CASErrMaxClientExceeded:    "max number of clients exceeded",
	CASErrHoldableNotAllowed:   "holdable results may not be updatable or sensitive",
}

// Message returns the canonical message for a code, or a generic fallback.
func Message(c Code) string {
	if m, ok := messages[c]; ok {
		return m
	}
	return fmt.Sprintf("unknown error (%d)", int(c))
}

// IsClientError reports whether c is in the client-side range.
func IsClientError(c Code) bool { return c <= -100 && c > -1000 }

// IsCASError reports whether c is in the server-side range.
func IsCASError(c Code) bool { return c <= -1000 && c > -2000 }

// IsCommunication reports whether c is a transport-class error from either side.
func IsCommunication(c Code) bool {
	return c == ErrCommunication || c == CASErrCommunication
}

// IsServerDown reports whether a DBMS secondary code means the database
// server itself is gone (as opposed to a statement-level failure).
func IsServerDown(dbmsCode int) bool {
	switch dbmsCode {
	case TMServerDownUnilaterallyAborted, ObjNoConnect, NetServerCrashed, BoConnectFailed:
		return true
	}
	return false
}

// maxMessage bounds the formatted message copied into a Buffer.
const maxMessage = 1024

// Buffer is the per-connection (and per-call) error buffer. The first error
// written wins; Reset clears it for the next call.
type Buffer struct {
	Code Code
	Msg  string
}

// Reset zeroes the buffer. A nil receiver is allowed so callers can pass an
// optional buffer straight through.
func (b *Buffer) Reset() {
	if b == nil {
		return
	}
	b.Code = NoError
	b.Msg = ""
}

// Set records an error into the buffer unless one is already recorded.
// An empty msg falls back to the canonical message for the code.
func (b *Buffer) Set(code Code, msg string) {
	if b == nil || b.Code != NoError {
		return
	}
	if msg == "" {
		msg = Message(code)
	}
	if len(msg) > maxMessage {
		msg = msg[:maxMessage]
	}
	b.Code = code
	b.Msg = msg
}

// CopyFrom copies another buffer's content, overwriting the receiver.
func (b *Buffer) CopyFrom(src *Buffer) {
	if b == nil || src == nil {
		return
	}
	b.Code = src.Code
	b.Msg = src.Msg
}

// Error is the concrete error type surfaced by public entry points.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gocci: %s (%d)", e.Msg, int(e.Code))
}

// New builds an Error for a code, using the canonical message when msg is empty.
func New(code Code, msg string) *Error {
	if msg == "" {
		msg = Message(code)
	}
	return &Error{Code: code, Msg: msg}
}

// CASInfo identifies the broker worker a connection is attached to, for
// operator-facing error suffixes.
type CASInfo struct {
	IP     string
	Port   int
	CASID  int
	CASPID int
	Shard  bool
}

// Suffix formats the diagnostic suffix appended to copied-out error messages.
func (ci CASInfo) Suffix() string {
	label := "CAS INFO"
	if ci.Shard {
		label = "PROXY INFO"
	}
	return fmt.Sprintf("[%s - %s:%d,%d,%d]", label, ci.IP, ci.Port, ci.CASID, ci.CASPID)
}

// CopyOut formats a connection buffer into the caller's buffer, appending the
// CAS (or PROXY) info suffix. The caller buffer may be nil.
func CopyOut(dst *Buffer, src *Buffer, info CASInfo) {
	if dst == nil || src == nil {
		return
	}
	dst.Code = src.Code
	msg := src.Msg
	if msg == "" && src.Code != NoError {
		msg = Message(src.Code)
	}
	if src.Code != NoError {
		msg = msg + " " + info.Suffix()
	}
	if len(msg) > maxMessage {
		msg = msg[:maxMessage]
	}
	dst.Msg = msg
}
