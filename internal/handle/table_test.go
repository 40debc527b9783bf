package handle

import (
	"testing"

	"github.com/gocci/gocci/ccierr"
	"github.com/gocci/gocci/internal/protocol"
)

func testAddr(port int) protocol.HostAddr {
	return protocol.HostAddr{IP: "10.0.0.1", Port: port}
}

func mustAlloc(t *testing.T, tb *Table, port int) *Conn {
	t.Helper()
	c, err := tb.AllocOrReuse(testAddr(port), "demodb", "dba", "", "cci:cubrid:10.0.0.1:33000:demodb:dba::")
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	return c
}

func TestAllocAssignsFreshMappedIDs(t *testing.T) {
	tb := NewTable()
	c1 := mustAlloc(t, tb, 33000)
	c2 := mustAlloc(t, tb, 33001)

	if c1.MappedID == 0 || c2.MappedID == 0 || c1.MappedID == c2.MappedID {
		t.Fatalf("bad mapped ids: %d %d", c1.MappedID, c2.MappedID)
	}
	if c1.Slot == c2.Slot {
		t.Fatal("two live handles must not share a slot")
	}
	if !c1.Used || !c2.Used {
		t.Fatal("alloc must hand the handle out used")
	}
}

func TestGetRefusesStaleAndUsed(t *testing.T) {
	tb := NewTable()
	c := mustAlloc(t, tb, 33000)
	id := c.MappedID

	// still used from alloc
	if _, err := tb.GetConn(id, false); err == nil {
		t.Fatal("expected USED_CONNECTION while used")
	}
	// the force variant (reserved for cancel) goes through
	if _, err := tb.GetConn(id, true); err != nil {
		t.Fatalf("force get: %v", err)
	}

	tb.Release(c)
	got, err := tb.GetConn(id, false)
	if err != nil || got != c {
		t.Fatalf("get after release: %v", err)
	}
	tb.Release(c)

	tb.Free(c)
	if _, err := tb.GetConn(id, false); err == nil {
		t.Fatal("expected CON_HANDLE for freed id")
	} else if err.(*ccierr.Error).Code != ccierr.ErrConHandle {
		t.Fatalf("wrong code: %v", err)
	}
}

func TestRoundRobinAvoidsImmediateSlotReuse(t *testing.T) {
	tb := NewTable()
	c1 := mustAlloc(t, tb, 33000)
	slot1 := c1.Slot
	tb.Free(c1)

	// the very next alloc takes a different slot even though slot1 is free
	c2 := mustAlloc(t, tb, 33001)
	if c2.Slot == slot1 {
		t.Fatal("round-robin allocator recycled a just-freed slot")
	}
}

func TestTableFull(t *testing.T) {
	tb := NewTable()
	for i := 0; i < MaxConHandle; i++ {
		mustAlloc(t, tb, 40000+i)
	}
	if _, err := tb.AllocOrReuse(testAddr(50000), "db", "u", "", "url"); err == nil {
		t.Fatal("expected ALLOC_CON_HANDLE when full")
	} else if err.(*ccierr.Error).Code != ccierr.ErrAllocConHandle {
		t.Fatalf("wrong code: %v", err)
	}
}

func TestPconnectReuseMatchesFullKey(t *testing.T) {
	tb := NewTable()
	c := mustAlloc(t, tb, 33000)
	oldID := c.MappedID
	if !tb.PutPconnect(c) {
		t.Fatal("park failed")
	}
	if c.MappedID != 0 {
		t.Fatal("parked handle must lose its mapped id")
	}

	// different password: no reuse
	other, err := tb.AllocOrReuse(testAddr(33000), "demodb", "dba", "hunter2", "url")
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if other == c {
		t.Fatal("key mismatch must not reuse the parked handle")
	}

	// exact key: reuse with a fresh mapped id
	again, err := tb.AllocOrReuse(testAddr(33000), "demodb", "dba", "", "url")
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if again != c {
		t.Fatal("expected the parked handle back")
	}
	if again.MappedID == oldID || again.MappedID == 0 {
		t.Fatalf("reused handle must be re-mapped, got %d", again.MappedID)
	}
}

func TestReqHandleAllocGrowAndFree(t *testing.T) {
	tb := NewTable()
	c := mustAlloc(t, tb, 33000)

	var reqs []*Req
	for i := 0; i < reqHandleGrow+1; i++ {
		reqs = append(reqs, tb.AllocReq(c))
	}
	if reqs[reqHandleGrow].LocalID != reqHandleGrow+1 {
		t.Fatalf("vector did not grow: local id %d", reqs[reqHandleGrow].LocalID)
	}

	first := reqs[0]
	id := first.MappedID
	tb.FreeReq(c, first)
	if _, _, err := tb.GetReq(id); err == nil {
		t.Fatal("expected REQ_HANDLE for freed statement id")
	}

	// freed local index is reusable
	r := tb.AllocReq(c)
	if r.LocalID != 1 {
		t.Fatalf("expected local id 1 reused, got %d", r.LocalID)
	}
	if r.MappedID == id {
		t.Fatal("reused local slot must get a fresh mapped id")
	}
}

func TestGetReqResolvesConnAndHandle(t *testing.T) {
	tb := NewTable()
	c := mustAlloc(t, tb, 33000)
	r := tb.AllocReq(c)
	tb.Release(c)

	gotC, gotR, err := tb.GetReq(r.MappedID)
	if err != nil {
		t.Fatalf("get req: %v", err)
	}
	if gotC != c || gotR != r {
		t.Fatal("wrong resolution")
	}
	if !c.Used {
		t.Fatal("statement resolution must mark the connection used")
	}
	tb.Release(c)
}

func TestInvalidateAllReqHandles(t *testing.T) {
	tb := NewTable()
	c := mustAlloc(t, tb, 33000)
	r1 := tb.AllocReq(c)
	r2 := tb.AllocReq(c)
	r1.Valid = true
	r2.Valid = true

	c.InvalidateAllReqHandles()
	if r1.Valid || r2.Valid {
		t.Fatal("all children must be invalidated")
	}
}

func TestDeadlineBookkeeping(t *testing.T) {
	tb := NewTable()
	c := mustAlloc(t, tb, 33000)

	if c.HasDeadline() {
		t.Fatal("fresh connection must have no deadline")
	}
	c.QueryTimeout = 0
	c.SetStartTimeForQuery(nil)
	if c.HasDeadline() {
		t.Fatal("zero query timeout arms no deadline")
	}

	r := tb.AllocReq(c)
	r.QueryTimeout = 1000000000 // the request override wins
	c.SetStartTimeForQuery(r)
	if !c.HasDeadline() {
		t.Fatal("request override must arm the deadline")
	}
	if c.RemainingBudget() <= 0 {
		t.Fatal("budget should not be exhausted immediately")
	}
	c.ResetStartTime()
	if c.HasDeadline() {
		t.Fatal("reset must clear the deadline")
	}
}

func TestMaskURL(t *testing.T) {
	in := "cci:cubrid:h:33000:db:dba:secret:?a=1"
	out := MaskURL(in)
	if out != "cci:cubrid:h:33000:db:dba:********:?a=1" {
		t.Fatalf("got %q", out)
	}
	// empty password stays empty
	if MaskURL("cci:cubrid:h:33000:db:dba::") != "cci:cubrid:h:33000:db:dba::" {
		t.Fatal("empty password must not be masked")
	}
}
