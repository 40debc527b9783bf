// Package gocci is a client core for the CUBRID broker wire protocol: a
// C-style API over opaque integer ids, a process-wide handle table with a
// per-connection prepared-statement cache, a bounded connection pool, and a
// retry/failover driver that replays idempotent operations across alternate
// hosts. The wire codec itself is an external collaborator registered
// through the internal protocol contract.
package gocci

import (
	"strconv"
	"strings"
	"time"

	"github.com/gocci/gocci/ccierr"
	"github.com/gocci/gocci/internal/protocol"
)

// Property keys recognized by URLs, property bags and datasource config
// files. Matching is case-insensitive.
const (
	PropUser                     = "user"
	PropPassword                 = "password"
	PropURL                      = "url"
	PropPoolSize                 = "pool_size"
	PropMaxPoolSize              = "max_pool_size"
	PropMaxWait                  = "max_wait"
	PropPoolPreparedStatement    = "pool_prepared_statement"
	PropMaxOpenPreparedStatement = "max_open_prepared_statement"
	PropLoginTimeout             = "login_timeout"
	PropQueryTimeout             = "query_timeout"
	PropDisconnectOnQueryTimeout = "disconnect_on_query_timeout"
	PropDefaultAutocommit        = "default_autocommit"
	PropDefaultIsolation         = "default_isolation"
	PropDefaultLockTimeout       = "default_lock_timeout"
	PropAltHosts                 = "althosts"
	PropRCTime                   = "rctime"
	PropSlowQueryThresholdMillis = "slow_query_threshold_millis"
)

// Datasource defaults.
const (
	DefaultPoolSize                 = 10
	DefaultMaxWait                  = 1000 * time.Millisecond
	DefaultPoolPreparedStatement    = false
	DefaultMaxOpenPreparedStatement = 1000
)

// Properties is a case-insensitive string property bag.
type Properties struct {
	m map[string]string
}

// NewProperties builds an empty bag.
func NewProperties() *Properties {
	return &Properties{m: make(map[string]string)}
}

// Set stores a value under a key.
func (p *Properties) Set(key, value string) {
	p.m[strings.ToLower(key)] = value
}

// Get returns the value for a key.
func (p *Properties) Get(key string) (string, bool) {
	v, ok := p.m[strings.ToLower(key)]
	return v, ok
}

// GetString returns the value for key or an ErrNoProperty error.
func (p *Properties) GetString(key string) (string, error) {
	v, ok := p.Get(key)
	if !ok {
		return "", ccierr.New(ccierr.ErrNoProperty, "property does not exist: "+key)
	}
	return v, nil
}

// GetInt parses an integer property, returning def when absent.
func (p *Properties) GetInt(key string, def int) (int, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, ccierr.New(ccierr.ErrInvalidProperty, "invalid property value: "+key+"="+v)
	}
	return n, nil
}

// GetBool parses a boolean property, returning def when absent.
func (p *Properties) GetBool(key string, def bool) (bool, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return false, ccierr.New(ccierr.ErrInvalidProperty, "invalid property value: "+key+"="+v)
}

// GetIsolation parses an isolation-level property. The two legacy aliases
// map onto their modern equivalents.
func (p *Properties) GetIsolation(key string) (protocol.Isolation, error) {
	v, ok := p.Get(key)
	if !ok {
		return protocol.TranUnknownIsolation, nil
	}
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "TRAN_READ_COMMITTED", "TRAN_REP_CLASS_COMMIT_INSTANCE":
		return protocol.TranReadCommitted, nil
	case "TRAN_REPEATABLE_READ", "TRAN_REP_CLASS_REP_INSTANCE":
		return protocol.TranRepeatableRead, nil
	case "TRAN_SERIALIZABLE":
		return protocol.TranSerializable, nil
	}
	return 0, ccierr.New(ccierr.ErrInvalidProperty, "invalid isolation level: "+v)
}

// Clone returns an independent copy of the bag.
func (p *Properties) Clone() *Properties {
	c := NewProperties()
	for k, v := range p.m {
		c.m[k] = v
	}
	return c
}
