package gocci

import (
	"strconv"
	"testing"
	"time"

	"github.com/gocci/gocci/ccierr"
	"github.com/gocci/gocci/internal/handle"
	"github.com/gocci/gocci/internal/protocol"
)

// TestTransportFailover covers the full failover path: the socket dies under
// a prepared statement, the primary is marked unreachable, the driver
// reconnects to the alternate, re-prepares and re-executes.
func TestTransportFailover(t *testing.T) {
	d := newFakeDriver()
	protocol.Register(d)
	ip, port := testEndpoint()
	host1 := protocol.HostAddr{IP: ip, Port: port}
	host2 := protocol.HostAddr{IP: ip, Port: port + 1000}

	url := "cci:cubrid:" + ip + ":" + strconv.Itoa(port) + ":demodb:dba::?althosts=" + ip + ":" + strconv.Itoa(host2.Port)
	id, err := ConnectWithURL(url, "", "")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer Disconnect(id)

	stmtID := prepareExecute(t, id)
	defer CloseReqHandle(stmtID)
	firstSock := d.reqs[0]

	// kill the socket and take host1 down
	firstSock.kill()
	d.setDialErr(host1, commErr())

	if _, err := Execute(stmtID, 0, 0); err != nil {
		t.Fatalf("execute should fail over and succeed: %v", err)
	}

	if !hostReg.IsReachable(host2, handle.DefaultRCTime) {
		t.Fatal("alternate host should be reachable")
	}
	if hostReg.IsReachable(host1, handle.DefaultRCTime) {
		t.Fatal("dead primary should be unreachable within the cooldown")
	}
	if hostReg.LastFailureTime(host1).IsZero() {
		t.Fatal("dead primary should record a failure time")
	}
	if d.dialCount(host2) == 0 {
		t.Fatal("expected a dial to the alternate host")
	}
	// the replacement conversation re-prepared before re-executing
	replacement := d.reqs[len(d.reqs)-1]
	if replacement.calls("prepare") != 1 || replacement.calls("execute") != 1 {
		t.Fatalf("expected re-prepare + re-execute on new socket, got %d/%d",
			replacement.calls("prepare"), replacement.calls("execute"))
	}
}

// TestNoReconnectInsideTransaction covers the replay gate: once the server
// holds transaction state, a transport failure must surface, never replay.
func TestNoReconnectInsideTransaction(t *testing.T) {
	d := newFakeDriver()
	id, ip, port := mustConnect(t, d)
	defer Disconnect(id)
	addr := protocol.HostAddr{IP: ip, Port: port}

	stmtID := prepareExecute(t, id)
	defer CloseReqHandle(stmtID)

	sock := d.reqs[0]
	sock.mu.Lock()
	sock.tranOnExec = true
	sock.mu.Unlock()

	// first execute opens the transaction
	if _, err := Execute(stmtID, 0, 0); err != nil {
		t.Fatalf("execute: %v", err)
	}
	dials := d.dialCount(addr)

	sock.kill()
	if _, err := Execute(stmtID, 0, 0); err == nil {
		t.Fatal("expected the transport error to surface mid-transaction")
	}
	if d.dialCount(addr) != dials {
		t.Fatal("the retry driver must not reconnect inside a transaction")
	}
}

// TestReconnectInvalidatesCachedStatements covers the reconnect contract:
// every cached handle is invalid afterwards and the next execute re-prepares.
func TestReconnectInvalidatesCachedStatements(t *testing.T) {
	d := newFakeDriver()
	id, _, _ := mustConnect(t, d)
	defer Disconnect(id)

	stmtA := prepareExecute(t, id)
	defer CloseReqHandle(stmtA)
	stmtB, err := Prepare(id, "select a from t where a = 1", 0)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer CloseReqHandle(stmtB)

	d.reqs[0].kill()

	// reconnect happens under stmtA's execute
	if _, err := Execute(stmtA, 0, 0); err != nil {
		t.Fatalf("execute: %v", err)
	}

	c, err := tbl.PeekConn(id)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	_, rB, gerr := tbl.GetReq(stmtB)
	if gerr != nil {
		t.Fatalf("get req: %v", gerr)
	}
	if rB.Valid {
		t.Fatal("sibling statement must be invalidated by the reconnect")
	}
	tbl.Release(c)

	// its next execute re-prepares on the fresh socket
	replacement := d.reqs[len(d.reqs)-1]
	preps := replacement.calls("prepare")
	if _, err := Execute(stmtB, 0, 0); err != nil {
		t.Fatalf("execute invalidated statement: %v", err)
	}
	if replacement.calls("prepare") != preps+1 {
		t.Fatal("executing an invalidated statement must prepare first")
	}
}

// TestFailbackAfterCooldown covers rc_time: a connection running on an
// alternate host re-runs host selection once the cooldown elapses.
func TestFailbackAfterCooldown(t *testing.T) {
	d := newFakeDriver()
	protocol.Register(d)
	ip, port := testEndpoint()
	host1 := protocol.HostAddr{IP: ip, Port: port}
	host2 := protocol.HostAddr{IP: ip, Port: port + 1000}

	d.setDialErr(host1, commErr())
	url := "cci:cubrid:" + ip + ":" + strconv.Itoa(port) + ":demodb:dba::?althosts=" + ip + ":" +
		strconv.Itoa(host2.Port) + "&rctime=1"
	id, err := ConnectWithURL(url, "", "")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer Disconnect(id)

	c, err := tbl.PeekConn(id)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if c.CurHost != 1 {
		t.Fatalf("expected to be on the alternate host, got index %d", c.CurHost)
	}

	// primary recovers; let the cooldown elapse, then let a fetch boundary
	// arm the failback flag (first check only records the attempt time)
	d.setDialErr(host1, nil)
	hostReg.CheckFailback(c)
	c.RCTime = time.Millisecond
	time.Sleep(5 * time.Millisecond)
	hostReg.CheckFailback(c)
	if !c.ForceFailback {
		t.Fatal("expected failback to be armed after the cooldown")
	}

	stmtID, err := Prepare(id, "select a from t", 0)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer CloseReqHandle(stmtID)

	c, _ = tbl.PeekConn(id)
	if c.CurHost != 0 {
		t.Fatalf("expected traffic back on the primary, got index %d", c.CurHost)
	}
	if c.ForceFailback {
		t.Fatal("failback flag must be one-shot")
	}
}

// TestLoginTimeoutSurfaced covers the deadline conversion: a query-timeout
// during the connect walk is reported as a login timeout.
func TestLoginTimeoutSurfaced(t *testing.T) {
	d := newFakeDriver()
	protocol.Register(d)
	ip, port := testEndpoint()
	d.setDialErr(protocol.HostAddr{IP: ip, Port: port},
		&protocol.ServerError{Code: ccierr.ErrQueryTimeout, Msg: "select timed out"})

	url := "cci:cubrid:" + ip + ":" + strconv.Itoa(port) + ":demodb:dba::?login_timeout=100"
	_, err := ConnectWithURL(url, "", "")
	if ccierrCode(t, err) != ccierr.ErrLoginTimeout {
		t.Fatalf("expected LOGIN_TIMEOUT, got %v", err)
	}
}
