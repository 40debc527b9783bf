package handle

import "strings"

// DefaultMaxOpenPreparedStatement caps how many parked statements one
// connection keeps.
const DefaultMaxOpenPreparedStatement = 1000

// stmtPool is the per-connection prepared-statement cache: a
// case-insensitive map from SQL text to parked local request id, plus
// the list of handles currently lent out to the caller and a deferred-close
// list of server statement ids whose close round-trip could not run
// mid-transaction.
type stmtPool struct {
	parked  map[string]int
	inUse   map[int]struct{}
	deferred []int
	max     int
}

func newStmtPool() stmtPool {
	return stmtPool{
		parked: make(map[string]int),
		inUse:  make(map[int]struct{}),
		max:    DefaultMaxOpenPreparedStatement,
	}
}

func poolKey(sql string) string { return strings.ToLower(sql) }

// SetMax adjusts the park cap.
func (p *stmtPool) SetMax(n int) {
	if n > 0 {
		p.max = n
	}
}

// Get removes and returns the parked local request id for sql. A miss is not
// an error; it simply means a fresh prepare is needed.
func (p *stmtPool) Get(sql string) (int, bool) {
	id, ok := p.parked[poolKey(sql)]
	if ok {
		delete(p.parked, poolKey(sql))
	}
	return id, ok
}

// Put parks a handle under its SQL text. Returns false when the pool is full
// or the text is already parked; the caller then falls through to the free
// path.
func (p *stmtPool) Put(sql string, localID int) bool {
	if len(p.parked) >= p.max {
		return false
	}
	key := poolKey(sql)
	if _, dup := p.parked[key]; dup {
		return false
	}
	p.parked[key] = localID
	return true
}

// MarkInUse records that a pooled handle has been lent out.
func (p *stmtPool) MarkInUse(localID int) { p.inUse[localID] = struct{}{} }

// ClearInUse forgets a lent-out handle.
func (p *stmtPool) ClearInUse(localID int) { delete(p.inUse, localID) }

// InUse returns the local ids of handles currently lent out.
func (p *stmtPool) InUse() []int {
	out := make([]int, 0, len(p.inUse))
	for id := range p.inUse {
		out = append(out, id)
	}
	return out
}

// DeferClose queues a server statement id whose close must wait for the next
// out-of-transaction boundary.
func (p *stmtPool) DeferClose(serverStmtID int) {
	p.deferred = append(p.deferred, serverStmtID)
}

// DrainDeferred returns and clears the deferred-close list.
func (p *stmtPool) DrainDeferred() []int {
	out := p.deferred
	p.deferred = nil
	return out
}

// Drop removes any parked entry pointing at localID, used when a handle is
// freed outright.
func (p *stmtPool) Drop(localID int) {
	for k, v := range p.parked {
		if v == localID {
			delete(p.parked, k)
		}
	}
	delete(p.inUse, localID)
}

// ParkedIDs returns the local ids of every parked handle.
func (p *stmtPool) ParkedIDs() []int {
	out := make([]int, 0, len(p.parked))
	for _, id := range p.parked {
		out = append(out, id)
	}
	return out
}

// Len returns how many statements are parked.
func (p *stmtPool) Len() int { return len(p.parked) }
