package gocci

import (
	"context"
	"sync"
	"time"

	"github.com/gocci/gocci/ccierr"
	"github.com/gocci/gocci/internal/protocol"
)

// fakeDriver is an in-memory protocol.Driver. Tests script per-host dial
// failures and per-call errors instead of standing up a broker.
type fakeDriver struct {
	mu      sync.Mutex
	broker  protocol.BrokerInfo
	rows    [][]any
	dialErr map[string]error
	dials   map[string]int
	cancels []protocol.CASIdent
	params  map[protocol.Param]int
	reqs    []*fakeReq
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		broker: protocol.BrokerInfo{
			ProtocolVersion:  protocol.ProtocolV7,
			StatementPooling: true,
			ServerVersion:    "11.2.0.0001",
			CAS:              protocol.CASIdent{ID: 1, PID: 4242},
		},
		rows:    [][]any{{1}, {2}},
		dialErr: make(map[string]error),
		dials:   make(map[string]int),
		params:  map[protocol.Param]int{protocol.ParamNoBackslashEscapes: 0},
	}
}

func commErr() error {
	return &protocol.ServerError{Code: ccierr.ErrCommunication, Msg: "broken pipe"}
}

func (d *fakeDriver) setDialErr(addr protocol.HostAddr, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.dialErr, addr.String())
	} else {
		d.dialErr[addr.String()] = err
	}
}

func (d *fakeDriver) Dial(_ context.Context, host protocol.HostAddr, _ protocol.Auth, _ time.Duration) (protocol.Requester, *protocol.BrokerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[host.String()]++
	if err, ok := d.dialErr[host.String()]; ok {
		return nil, nil, err
	}
	r := &fakeReq{drv: d, host: host, rows: d.rows}
	d.reqs = append(d.reqs, r)
	info := d.broker
	return r, &info, nil
}

func (d *fakeDriver) Cancel(_ context.Context, _ protocol.HostAddr, cas protocol.CASIdent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels, cas)
	return nil
}

func (d *fakeDriver) Ping(_ context.Context, host protocol.HostAddr, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.dialErr[host.String()]; ok {
		return err
	}
	return nil
}

func (d *fakeDriver) dialCount(addr protocol.HostAddr) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[addr.String()]
}

func (d *fakeDriver) prepareCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.reqs {
		n += r.calls("prepare")
	}
	return n
}

// fakeReq is one scripted protocol conversation.
type fakeReq struct {
	drv  *fakeDriver
	host protocol.HostAddr
	rows [][]any

	mu          sync.Mutex
	closed      bool
	inTran      bool
	tranOnExec  bool
	nextStmtID  int
	callCounts  map[string]int
	failPrepare []error
	failExecute []error
	failFetch   []error
	failPing    []error
}

func (f *fakeReq) bump(name string) {
	if f.callCounts == nil {
		f.callCounts = make(map[string]int)
	}
	f.callCounts[name]++
}

func (f *fakeReq) calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCounts[name]
}

func pop(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

func (f *fakeReq) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("ping")
	if f.closed {
		return commErr()
	}
	return pop(&f.failPing)
}

func (f *fakeReq) InTransaction() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inTran
}

func (f *fakeReq) EndTran(_ context.Context, _ protocol.TranType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("endtran")
	if f.closed {
		return commErr()
	}
	f.inTran = false
	return nil
}

func (f *fakeReq) Prepare(_ context.Context, sql string, _ protocol.PrepareFlag) (*protocol.PrepareResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("prepare")
	if f.closed {
		return nil, commErr()
	}
	if err := pop(&f.failPrepare); err != nil {
		return nil, err
	}
	f.nextStmtID++
	return &protocol.PrepareResult{
		ServerStmtID: f.nextStmtID,
		StmtType:     protocol.StmtSelect,
		NumCols:      1,
		Cols:         []protocol.ColInfo{{Name: "a", Type: protocol.UInt}},
	}, nil
}

func (f *fakeReq) Execute(_ context.Context, _ int, _ protocol.ExecFlag, _ int, _ []protocol.BindValue) (*protocol.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("execute")
	if f.closed {
		return nil, commErr()
	}
	if err := pop(&f.failExecute); err != nil {
		return nil, err
	}
	if f.tranOnExec {
		f.inTran = true
	}
	return &protocol.ExecResult{AffectedRows: len(f.rows)}, nil
}

func (f *fakeReq) ExecuteArray(_ context.Context, _ int, rows [][]protocol.BindValue) (*protocol.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("executearray")
	if f.closed {
		return nil, commErr()
	}
	results := make([]protocol.QueryResult, len(rows))
	for i := range results {
		results[i] = protocol.QueryResult{StmtType: protocol.StmtInsert, AffectedRows: 1}
	}
	return &protocol.ExecResult{AffectedRows: len(rows), Results: results}, nil
}

func (f *fakeReq) ExecuteBatch(_ context.Context, sqls []string) (*protocol.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("executebatch")
	if f.closed {
		return nil, commErr()
	}
	results := make([]protocol.QueryResult, len(sqls))
	for i := range results {
		results[i] = protocol.QueryResult{StmtType: protocol.StmtOther, AffectedRows: 1}
	}
	return &protocol.ExecResult{AffectedRows: len(sqls), Results: results}, nil
}

func (f *fakeReq) NextResult(_ context.Context, _ int) (*protocol.PrepareResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("nextresult")
	return &protocol.PrepareResult{NumCols: 1, Cols: []protocol.ColInfo{{Name: "a", Type: protocol.UInt}}}, nil
}

func (f *fakeReq) Fetch(_ context.Context, _ int, pos, fetchSize int, _ bool, _ int) (*protocol.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("fetch")
	if f.closed {
		return nil, commErr()
	}
	if err := pop(&f.failFetch); err != nil {
		return nil, err
	}
	if pos < 1 || pos > len(f.rows) {
		return &protocol.FetchResult{Begin: 0, End: 0, Last: true}, nil
	}
	end := pos + fetchSize - 1
	if end > len(f.rows) {
		end = len(f.rows)
	}
	tuples := make([]protocol.Tuple, 0, end-pos+1)
	for i := pos; i <= end; i++ {
		tuples = append(tuples, protocol.Tuple{Index: i, Columns: f.rows[i-1]})
	}
	return &protocol.FetchResult{Tuples: tuples, Begin: pos, End: end, Last: end == len(f.rows)}, nil
}

func (f *fakeReq) CloseStatement(_ context.Context, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("closestatement")
	return nil
}

func (f *fakeReq) CloseResultSet(_ context.Context, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("closeresultset")
	return nil
}

func (f *fakeReq) GetDBParameter(_ context.Context, p protocol.Param) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("getdbparameter")
	if f.closed {
		return 0, commErr()
	}
	f.drv.mu.Lock()
	defer f.drv.mu.Unlock()
	return f.drv.params[p], nil
}

func (f *fakeReq) SetDBParameter(_ context.Context, p protocol.Param, v int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("setdbparameter")
	if f.closed {
		return commErr()
	}
	f.drv.mu.Lock()
	defer f.drv.mu.Unlock()
	f.drv.params[p] = v
	return nil
}

func (f *fakeReq) GetQueryPlan(_ context.Context, _ string) (string, error) {
	return "Join (cost: 1)", nil
}

func (f *fakeReq) LastInsertID(context.Context) (string, error) { return "42", nil }

func (f *fakeReq) SchemaInfo(_ context.Context, _ protocol.SchemaKind, _, _ string, _ int) (*protocol.PrepareResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("schemainfo")
	return &protocol.PrepareResult{NumCols: 2, Cols: []protocol.ColInfo{
		{Name: "name", Type: protocol.UString},
		{Name: "type", Type: protocol.UShort},
	}}, nil
}

func (f *fakeReq) OIDGet(_ context.Context, _ protocol.Object, attrs []string) (*protocol.PrepareResult, error) {
	cols := make([]protocol.ColInfo, len(attrs))
	for i, a := range attrs {
		cols[i] = protocol.ColInfo{Name: a, Type: protocol.UString}
	}
	return &protocol.PrepareResult{NumCols: len(cols), Cols: cols}, nil
}

func (f *fakeReq) OIDPut(_ context.Context, _ protocol.Object, _ []string, _ []protocol.BindValue) error {
	return nil
}

func (f *fakeReq) OIDCmd(_ context.Context, _ protocol.Object, _ int) (int, error) { return 1, nil }

func (f *fakeReq) LOBNew(_ context.Context, typ protocol.UType) (*protocol.LOB, error) {
	return &protocol.LOB{Handle: []byte{1}, Size: 0}, nil
}

func (f *fakeReq) LOBRead(_ context.Context, lob *protocol.LOB, offset int64, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("lobread")
	n := len(buf)
	if int64(n) > lob.Size-offset {
		n = int(lob.Size - offset)
	}
	for i := 0; i < n; i++ {
		buf[i] = byte('x')
	}
	return n, nil
}

func (f *fakeReq) LOBWrite(_ context.Context, _ *protocol.LOB, _ int64, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bump("lobwrite")
	return len(data), nil
}

func (f *fakeReq) CollectionGet(_ context.Context, _ protocol.Object, attr string) (*protocol.PrepareResult, error) {
	return &protocol.PrepareResult{NumCols: 1, Cols: []protocol.ColInfo{{Name: attr, Type: protocol.USet}}}, nil
}

func (f *fakeReq) CollectionCmd(_ context.Context, _ protocol.Object, _ string, _ int, _ []protocol.BindValue) error {
	return nil
}

func (f *fakeReq) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// kill simulates the socket dying under the client.
func (f *fakeReq) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}
