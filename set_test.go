package gocci

import (
	"testing"

	"github.com/gocci/gocci/internal/protocol"
)

func strp(s string) *string { return &s }

func TestCollectionEncodeDecode(t *testing.T) {
	col := NewCollection(protocol.UString, []*string{strp("alpha"), nil, strp("")})

	payload := col.Encode()
	back, err := DecodeCollection(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Type != protocol.UString || back.Size() != 3 {
		t.Fatalf("unexpected collection: type=%v size=%d", back.Type, back.Size())
	}
	if v, null, _ := back.Element(1); null || v != "alpha" {
		t.Fatalf("element 1: %q null=%v", v, null)
	}
	if _, null, _ := back.Element(2); !null {
		t.Fatal("element 2 should be NULL")
	}
	if v, null, _ := back.Element(3); null || v != "" {
		t.Fatalf("element 3: %q null=%v", v, null)
	}
	if _, _, err := back.Element(4); err == nil {
		t.Fatal("expected range error")
	}
}

func TestDecodeCollectionTruncated(t *testing.T) {
	col := NewCollection(protocol.USet, []*string{strp("x")})
	payload := col.Encode()
	for _, cut := range []int{1, 4, len(payload) - 1} {
		if _, err := DecodeCollection(payload[:cut]); err == nil {
			t.Errorf("expected decode failure at cut %d", cut)
		}
	}
}

func TestLOBChunkedIO(t *testing.T) {
	d := newFakeDriver()
	id, _, _ := mustConnect(t, d)
	defer Disconnect(id)

	lob, err := LOBNew(id, protocol.UBlob)
	if err != nil {
		t.Fatalf("lob new: %v", err)
	}

	data := make([]byte, LOBIOLength+100)
	n, err := LOBWrite(id, lob, 0, data)
	if err != nil {
		t.Fatalf("lob write: %v", err)
	}
	if n != len(data) {
		t.Fatalf("short write: %d", n)
	}
	// two chunks on the wire
	if got := d.reqs[0].calls("lobwrite"); got != 2 {
		t.Fatalf("expected 2 write chunks, got %d", got)
	}
	if lob.Size != int64(len(data)) {
		t.Fatalf("size not tracked: %d", lob.Size)
	}

	buf := make([]byte, len(data)+500)
	n, err = LOBRead(id, lob, 0, buf)
	if err != nil {
		t.Fatalf("lob read: %v", err)
	}
	// reads are bounded by the object's own size
	if n != len(data) {
		t.Fatalf("expected read capped at lob size, got %d", n)
	}

	if _, err := LOBRead(id, lob, lob.Size+1, buf); err == nil {
		t.Fatal("expected INVALID_LOB_READ_POS")
	}
	if _, err := LOBRead(id, nil, 0, buf); err == nil {
		t.Fatal("expected INVALID_LOB_HANDLE")
	}
}

func TestSchemaInfoFetchable(t *testing.T) {
	d := newFakeDriver()
	id, _, _ := mustConnect(t, d)
	defer Disconnect(id)

	stmtID, err := SchemaInfo(id, protocol.SchemaClass, "t", "", 0)
	if err != nil {
		t.Fatalf("schema info: %v", err)
	}
	defer CloseReqHandle(stmtID)

	cols, _, err := GetResultInfo(stmtID)
	if err != nil {
		t.Fatalf("result info: %v", err)
	}
	if len(cols) != 2 || cols[0].Name != "name" {
		t.Fatalf("unexpected schema columns: %+v", cols)
	}
}
