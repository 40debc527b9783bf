package hoststatus

import (
	"testing"
	"time"

	"github.com/gocci/gocci/internal/handle"
	"github.com/gocci/gocci/internal/protocol"
)

func addr(port int) protocol.HostAddr {
	return protocol.HostAddr{IP: "10.1.1.1", Port: port}
}

func TestUnknownHostIsReachable(t *testing.T) {
	r := NewRegistry()
	if !r.IsReachable(addr(1), time.Minute) {
		t.Fatal("never-seen host must default to reachable")
	}
}

func TestUnreachableUntilCooldownElapses(t *testing.T) {
	r := NewRegistry()
	a := addr(2)
	r.SetStatus(a, false)

	if r.IsReachable(a, time.Minute) {
		t.Fatal("freshly failed host must be unreachable")
	}
	if r.LastFailureTime(a).IsZero() {
		t.Fatal("failure time must be recorded")
	}

	// with a tiny cooldown the same host becomes eligible again
	time.Sleep(2 * time.Millisecond)
	if !r.IsReachable(a, time.Millisecond) {
		t.Fatal("host must be probed again after the cooldown")
	}

	// an explicit recovery clears the verdict regardless of cooldown
	r.SetStatus(a, true)
	if !r.IsReachable(a, time.Hour) {
		t.Fatal("explicit recovery must take effect immediately")
	}
}

func TestFailureTimeOnlyMovesOnTransition(t *testing.T) {
	r := NewRegistry()
	a := addr(3)
	r.SetStatus(a, false)
	first := r.LastFailureTime(a)
	time.Sleep(2 * time.Millisecond)
	r.SetStatus(a, false)
	if !r.LastFailureTime(a).Equal(first) {
		t.Fatal("repeated failures must not move the transition time")
	}
}

func TestSharedVerdictAcrossConnections(t *testing.T) {
	r := NewRegistry()
	a := addr(4)
	r.SetStatus(a, false)
	// any caller asking about the same (ip, port) sees the same verdict
	if r.IsReachable(a, time.Minute) {
		t.Fatal("verdict must be shared by endpoint")
	}
	if r.IsReachable(addr(5), time.Minute) != true {
		t.Fatal("other endpoints are unaffected")
	}
}

func TestCheckFailbackArmsOnlyOutTran(t *testing.T) {
	r := NewRegistry()
	c := &handle.Conn{
		Status:   handle.InTran,
		CurHost:  1,
		RCTime:   time.Millisecond,
		AltHosts: []protocol.HostAddr{addr(6), addr(7)},
	}

	r.CheckFailback(c)
	if c.ForceFailback {
		t.Fatal("failback must never arm mid-transaction")
	}

	c.Status = handle.OutTran
	r.CheckFailback(c) // first call records the attempt time
	if c.ForceFailback {
		t.Fatal("first out-of-tran check only records the attempt time")
	}
	time.Sleep(2 * time.Millisecond)
	r.CheckFailback(c)
	if !c.ForceFailback {
		t.Fatal("failback must arm after the cooldown")
	}
}

func TestCheckFailbackIgnoresPrimaryHost(t *testing.T) {
	r := NewRegistry()
	c := &handle.Conn{
		Status:   handle.OutTran,
		CurHost:  0,
		RCTime:   time.Millisecond,
		AltHosts: []protocol.HostAddr{addr(8), addr(9)},
	}
	r.CheckFailback(c)
	time.Sleep(2 * time.Millisecond)
	r.CheckFailback(c)
	if c.ForceFailback {
		t.Fatal("a connection already on the primary has nothing to fail back to")
	}
}

func TestUnreachableHostsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.SetStatus(addr(10), false)
	r.SetStatus(addr(11), true)
	down := r.UnreachableHosts()
	if len(down) != 1 || down[0] != addr(10) {
		t.Fatalf("unexpected unreachable set: %v", down)
	}
}
