package gocci

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gocci/gocci/internal/protocol"
)

func TestStatsEndpoint(t *testing.T) {
	d := newFakeDriver()
	props := dsProps(t, d, map[string]string{PropPoolSize: "2"})
	ds, err := NewDataSource(props)
	if err != nil {
		t.Fatalf("new datasource: %v", err)
	}
	defer ds.Close()

	srv := NewStatsServer(map[string]*DataSource{"main": ds})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	var payload struct {
		DataSources map[string]DataSourceStats `json:"datasources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.DataSources["main"].Idle != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestMetricsEndpointScrapes(t *testing.T) {
	srv := NewStatsServer(nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestHealthzReflectsHostStatus(t *testing.T) {
	d := newFakeDriver()
	protocol.Register(d)
	ip, port := testEndpoint()
	d.setDialErr(protocol.HostAddr{IP: ip, Port: port}, commErr())

	// a failed connect marks the host unreachable in the global registry
	url := "cci:cubrid:" + ip + ":" + strconv.Itoa(port) + ":demodb:dba::"
	if _, err := ConnectWithURL(url, "", ""); err == nil {
		t.Fatal("expected connect failure")
	}

	srv := NewStatsServer(nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected degraded healthz, got %d", rec.Code)
	}
}
