package gocci

import (
	"context"

	"github.com/gocci/gocci/ccierr"
	"github.com/gocci/gocci/internal/handle"
	"github.com/gocci/gocci/internal/protocol"
)

// LOBIOLength is the chunk size for large-object transfers.
const LOBIOLength = 64 * 1024

// LOBNew creates a server-side large object of the given type (UBlob or
// UClob) and returns its locator.
func LOBNew(connID int, typ protocol.UType) (*protocol.LOB, error) {
	if typ != protocol.UBlob && typ != protocol.UClob {
		return nil, ccierr.New(ccierr.ErrInvalidArgs, "lob type must be blob or clob")
	}
	var lob *protocol.LOB
	err := withConn(connID, func(c *handle.Conn) error {
		c.SetStartTimeForQuery(nil)
		defer c.ResetStartTime()
		return withRetry(c, nil, false, func(ctx context.Context) error {
			l, lerr := c.Sock.LOBNew(ctx, typ)
			if lerr == nil {
				lob = l
			}
			return lerr
		})
	})
	return lob, err
}

// LOBRead copies up to len(buf) bytes starting at offset into buf, looping
// in protocol-sized chunks and respecting the object's own size. Returns the
// byte count read.
func LOBRead(connID int, lob *protocol.LOB, offset int64, buf []byte) (int, error) {
	if lob == nil || lob.Handle == nil {
		return 0, ccierr.New(ccierr.ErrInvalidLOBHandle, "")
	}
	if offset < 0 || offset > lob.Size {
		return 0, ccierr.New(ccierr.ErrInvalidLOBReadPos, "")
	}
	want := int64(len(buf))
	if remaining := lob.Size - offset; want > remaining {
		want = remaining
	}

	var total int
	err := withConn(connID, func(c *handle.Conn) error {
		c.SetStartTimeForQuery(nil)
		defer c.ResetStartTime()
		for int64(total) < want {
			chunk := want - int64(total)
			if chunk > LOBIOLength {
				chunk = LOBIOLength
			}
			var n int
			err := withRetry(c, nil, false, func(ctx context.Context) error {
				m, rerr := c.Sock.LOBRead(ctx, lob, offset+int64(total), buf[total:int64(total)+chunk])
				if rerr == nil {
					n = m
				}
				return rerr
			})
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			total += n
		}
		return nil
	})
	return total, err
}

// LOBWrite copies data into the object starting at offset, looping in
// protocol-sized chunks. Returns the byte count written.
func LOBWrite(connID int, lob *protocol.LOB, offset int64, data []byte) (int, error) {
	if lob == nil || lob.Handle == nil {
		return 0, ccierr.New(ccierr.ErrInvalidLOBHandle, "")
	}
	var total int
	err := withConn(connID, func(c *handle.Conn) error {
		c.SetStartTimeForQuery(nil)
		defer c.ResetStartTime()
		for total < len(data) {
			chunk := len(data) - total
			if chunk > LOBIOLength {
				chunk = LOBIOLength
			}
			var n int
			err := withRetry(c, nil, false, func(ctx context.Context) error {
				m, werr := c.Sock.LOBWrite(ctx, lob, offset+int64(total), data[total:total+chunk])
				if werr == nil {
					n = m
				}
				return werr
			})
			if err != nil {
				return err
			}
			total += n
			if end := offset + int64(total); end > lob.Size {
				lob.Size = end
			}
		}
		return nil
	})
	return total, err
}
