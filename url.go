package gocci

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gocci/gocci/ccierr"
	"github.com/gocci/gocci/internal/handle"
	"github.com/gocci/gocci/internal/protocol"
)

// connURL is the parsed form of a connection URL:
//
//	cci:<dbms-kind>:<host>:<port>:<dbname>:<user>:<password>:?<k>=<v>(&<k>=<v>)*
type connURL struct {
	Kind     string
	Host     protocol.HostAddr
	DBName   string
	User     string
	Password string
	Props    *Properties
	// Canonical is the stored form with the password masked.
	Canonical string
}

var urlPattern = regexp.MustCompile(
	`(?i)^cci:(cubrid(?:-oracle|-mysql)?):([a-zA-Z0-9_.-]+):(\d+):([^:]+):([^:]*):([^:?]*):(\?.+)?$`)

// parseURL validates and splits a connection URL. Null user/password fields
// normalize to empty strings.
func parseURL(url string) (*connURL, error) {
	m := urlPattern.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return nil, ccierr.New(ccierr.ErrInvalidURL, "invalid url string: "+url)
	}
	port, err := strconv.Atoi(m[3])
	if err != nil || port <= 0 || port > 65535 {
		return nil, ccierr.New(ccierr.ErrInvalidURL, "invalid port in url: "+m[3])
	}
	u := &connURL{
		Kind:     strings.ToLower(m[1]),
		Host:     protocol.HostAddr{IP: m[2], Port: port},
		DBName:   m[4],
		User:     m[5],
		Password: m[6],
		Props:    NewProperties(),
	}
	if q := m[7]; q != "" {
		for _, kv := range strings.Split(strings.TrimPrefix(q, "?"), "&") {
			if kv == "" {
				continue
			}
			k, v, found := strings.Cut(kv, "=")
			if !found || k == "" {
				return nil, ccierr.New(ccierr.ErrInvalidURL, "invalid url property: "+kv)
			}
			u.Props.Set(k, v)
		}
	}
	mask := u.Password
	if mask != "" {
		mask = "********"
	}
	u.Canonical = "cci:" + u.Kind + ":" + u.Host.IP + ":" + strconv.Itoa(port) + ":" +
		u.DBName + ":" + u.User + ":" + mask + ":"
	if m[7] != "" {
		u.Canonical += m[7]
	}
	return u, nil
}

// altHosts parses the althosts property ("host2:port2,host3:port3") into the
// walk list, always led by the primary endpoint. The list is capped at
// AlterHostMaxSize entries including the primary.
func (u *connURL) altHosts() ([]protocol.HostAddr, error) {
	raw, ok := u.Props.Get(PropAltHosts)
	if !ok || raw == "" {
		return nil, nil
	}
	hosts := []protocol.HostAddr{u.Host}
	for _, part := range strings.Split(raw, ",") {
		hp, pp, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found || hp == "" {
			return nil, ccierr.New(ccierr.ErrInvalidURL, "invalid althosts entry: "+part)
		}
		port, err := strconv.Atoi(pp)
		if err != nil || port <= 0 || port > 65535 {
			return nil, ccierr.New(ccierr.ErrInvalidURL, "invalid althosts port: "+part)
		}
		if len(hosts) >= handle.AlterHostMaxSize {
			break
		}
		hosts = append(hosts, protocol.HostAddr{IP: hp, Port: port})
	}
	return hosts, nil
}

// sessionTimeouts extracts the timeout-class properties.
func (u *connURL) sessionTimeouts() (login, query time.Duration, disconnectOnQT bool, err error) {
	lt, err := u.Props.GetInt(PropLoginTimeout, 0)
	if err != nil {
		return 0, 0, false, err
	}
	qt, err := u.Props.GetInt(PropQueryTimeout, 0)
	if err != nil {
		return 0, 0, false, err
	}
	dq, err := u.Props.GetBool(PropDisconnectOnQueryTimeout, false)
	if err != nil {
		return 0, 0, false, err
	}
	return time.Duration(lt) * time.Millisecond, time.Duration(qt) * time.Millisecond, dq, nil
}

// withProps returns a URL string with extra query properties appended,
// overriding any existing values for the same keys. The datasource uses this
// to push its timeout settings into the URL so reconnects pick them up.
func withProps(url string, extra map[string]string) string {
	base, query, _ := strings.Cut(url, "?")
	kept := make([]string, 0, 8)
	for _, kv := range strings.Split(query, "&") {
		if kv == "" {
			continue
		}
		k, _, _ := strings.Cut(kv, "=")
		if _, override := extra[strings.ToLower(k)]; !override {
			kept = append(kept, kv)
		}
	}
	for _, k := range sortedKeys(extra) {
		kept = append(kept, k+"="+extra[k])
	}
	base = strings.TrimSuffix(base, "?")
	if len(kept) == 0 {
		return base
	}
	return base + "?" + strings.Join(kept, "&")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
