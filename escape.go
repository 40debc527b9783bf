package gocci

import (
	"context"
	"strings"

	"github.com/gocci/gocci/internal/handle"
	"github.com/gocci/gocci/internal/protocol"
)

// Pseudo connection ids accepted by EscapeString to pick an escaping rule
// without a live connection.
const (
	NoBackslashEscapesFalse = -2
	NoBackslashEscapesTrue  = -3
)

// EscapeString quotes a literal for inclusion in a statement. The rule
// depends on the server's no_backslash_escapes setting, fetched lazily on
// first use per connection; the pseudo ids short-circuit the lookup.
// Single quotes are always doubled. With backslash escaping active,
// NUL/CR/LF/backslash are replaced by their two-character escape forms.
func EscapeString(connID int, s string) (string, error) {
	var mode int
	switch connID {
	case NoBackslashEscapesFalse:
		mode = handle.BackslashEscapesFalse
	case NoBackslashEscapesTrue:
		mode = handle.BackslashEscapesTrue
	default:
		err := withConn(connID, func(c *handle.Conn) error {
			if c.NoBackslashEscapes == handle.BackslashEscapesNotSet {
				c.SetStartTimeForQuery(nil)
				defer c.ResetStartTime()
				err := withRetry(c, nil, false, func(ctx context.Context) error {
					v, gerr := c.Sock.GetDBParameter(ctx, protocol.ParamNoBackslashEscapes)
					if gerr == nil {
						if v != 0 {
							c.NoBackslashEscapes = handle.BackslashEscapesTrue
						} else {
							c.NoBackslashEscapes = handle.BackslashEscapesFalse
						}
					}
					return gerr
				})
				if err != nil {
					return err
				}
			}
			mode = c.NoBackslashEscapes
			return nil
		})
		if err != nil {
			return "", err
		}
	}
	return escapeWith(s, mode == handle.BackslashEscapesTrue), nil
}

func escapeWith(s string, noBackslashEscapes bool) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '\'' {
			b.WriteString("''")
			continue
		}
		if !noBackslashEscapes {
			switch ch {
			case 0:
				b.WriteString(`\0`)
				continue
			case '\r':
				b.WriteString(`\r`)
				continue
			case '\n':
				b.WriteString(`\n`)
				continue
			case '\\':
				b.WriteString(`\\`)
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}
