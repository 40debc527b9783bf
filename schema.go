package gocci

import (
	"context"

	"github.com/gocci/gocci/internal/handle"
	"github.com/gocci/gocci/internal/protocol"
)

// SchemaInfo opens a schema query and returns a statement id whose result
// set is fetched like any other.
func SchemaInfo(connID int, kind protocol.SchemaKind, arg1, arg2 string, pattern int) (int, error) {
	var stmtID int
	err := withConn(connID, func(c *handle.Conn) error {
		r := tbl.AllocReq(c)
		r.Type = protocol.HandleSchemaInfo

		applyFailback(c)
		c.SetStartTimeForQuery(r)
		defer c.ResetStartTime()

		err := withRetry(c, r, true, func(ctx context.Context) error {
			res, serr := c.Sock.SchemaInfo(ctx, kind, arg1, arg2, pattern)
			if serr == nil {
				r.SetPrepared(res)
			}
			return serr
		})
		handleQueryTimeout(c, err)
		if err != nil {
			tbl.FreeReq(c, r)
			return err
		}
		stmtID = r.MappedID
		return nil
	})
	return stmtID, err
}

// OIDGet fetches the named attributes of a server object and returns a
// statement id over the one-row result; the first Fetch positions the
// cursor on that row.
func OIDGet(connID int, oid protocol.Object, attrs []string) (int, error) {
	var stmtID int
	err := withConn(connID, func(c *handle.Conn) error {
		r := tbl.AllocReq(c)
		r.Type = protocol.HandleOIDGet

		c.SetStartTimeForQuery(r)
		defer c.ResetStartTime()

		err := withRetry(c, r, false, func(ctx context.Context) error {
			res, gerr := c.Sock.OIDGet(ctx, oid, attrs)
			if gerr == nil {
				r.SetPrepared(res)
			}
			return gerr
		})
		handleQueryTimeout(c, err)
		if err != nil {
			tbl.FreeReq(c, r)
			return err
		}
		stmtID = r.MappedID
		return nil
	})
	return stmtID, err
}

// OIDPut writes attribute values of a server object.
func OIDPut(connID int, oid protocol.Object, attrs []string, vals []protocol.BindValue) error {
	return withConn(connID, func(c *handle.Conn) error {
		c.SetStartTimeForQuery(nil)
		defer c.ResetStartTime()
		err := withRetry(c, nil, false, func(ctx context.Context) error {
			return c.Sock.OIDPut(ctx, oid, attrs, vals)
		})
		handleQueryTimeout(c, err)
		return err
	})
}

// OID command verbs.
const (
	OIDCmdDrop = iota + 1
	OIDCmdIsInstance
	OIDCmdLock
	OIDCmdClassName
)

// OIDCmd performs an object-level command (drop, existence check, lock,
// class-name fetch) and returns its integer result.
func OIDCmd(connID int, oid protocol.Object, cmd int) (int, error) {
	var out int
	err := withConn(connID, func(c *handle.Conn) error {
		c.SetStartTimeForQuery(nil)
		defer c.ResetStartTime()
		err := withRetry(c, nil, false, func(ctx context.Context) error {
			v, oerr := c.Sock.OIDCmd(ctx, oid, cmd)
			if oerr == nil {
				out = v
			}
			return oerr
		})
		handleQueryTimeout(c, err)
		return err
	})
	return out, err
}

// CollectionGet opens a fetchable view over a collection attribute of a
// server object.
func CollectionGet(connID int, oid protocol.Object, attr string) (int, error) {
	var stmtID int
	err := withConn(connID, func(c *handle.Conn) error {
		r := tbl.AllocReq(c)
		r.Type = protocol.HandleColGet

		c.SetStartTimeForQuery(r)
		defer c.ResetStartTime()

		err := withRetry(c, r, false, func(ctx context.Context) error {
			res, gerr := c.Sock.CollectionGet(ctx, oid, attr)
			if gerr == nil {
				r.SetPrepared(res)
			}
			return gerr
		})
		handleQueryTimeout(c, err)
		if err != nil {
			tbl.FreeReq(c, r)
			return err
		}
		stmtID = r.MappedID
		return nil
	})
	return stmtID, err
}

// Collection command verbs.
const (
	ColCmdSize = iota + 1
	ColCmdDropElement
	ColCmdInsertElement
	ColCmdPutElement
	ColCmdAddElement
)

// CollectionCmd mutates a collection attribute of a server object.
func CollectionCmd(connID int, oid protocol.Object, attr string, cmd int, vals []protocol.BindValue) error {
	return withConn(connID, func(c *handle.Conn) error {
		c.SetStartTimeForQuery(nil)
		defer c.ResetStartTime()
		err := withRetry(c, nil, false, func(ctx context.Context) error {
			return c.Sock.CollectionCmd(ctx, oid, attr, cmd, vals)
		})
		handleQueryTimeout(c, err)
		return err
	})
}
