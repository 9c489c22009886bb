package zap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	zerr "github.com/exploopio/zapcontrol/pkg/errors"
	"github.com/exploopio/zapcontrol/pkg/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "secret"
	cfg.RateLimit = 1000
	return NewClient(cfg)
}

func TestClient_Version(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/JSON/core/view/version/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("apikey"); got != "secret" {
			t.Errorf("expected apikey query param, got %q", got)
		}
		w.Write([]byte(`{"version":"2.14.0"}`))
	})

	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != "2.14.0" {
		t.Errorf("expected 2.14.0, got %q", v)
	}
}

func TestClient_NoAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("apikey") {
			t.Error("apikey must be omitted when empty")
		}
		w.Write([]byte(`{"version":"2.14.0"}`))
	}))
	defer srv.Close()

	c := NewClient(&Config{BaseURL: srv.URL + "/"})
	if _, err := c.Version(context.Background()); err != nil {
		t.Fatalf("Version: %v", err)
	}
}

func TestClient_StartScans(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch r.URL.Path {
		case "/JSON/spider/action/scan/":
			if q.Get("url") != "https://app.example.com" || q.Get("recurse") != "true" {
				t.Errorf("unexpected spider params %v", q)
			}
			w.Write([]byte(`{"scan":"3"}`))
		case "/JSON/ascan/action/scan/":
			if q.Get("inScopeOnly") != "false" {
				t.Errorf("unexpected ascan params %v", q)
			}
			w.Write([]byte(`{"scan":7}`))
		default:
			http.NotFound(w, r)
		}
	})

	ctx := context.Background()
	id, err := c.StartSpider(ctx, "https://app.example.com")
	if err != nil || id != "3" {
		t.Errorf("StartSpider = %q, %v", id, err)
	}
	id, err = c.StartActiveScan(ctx, "https://app.example.com")
	if err != nil || id != "7" {
		t.Errorf("StartActiveScan = %q, %v", id, err)
	}
}

func TestClient_EmptyScanIDIsProtocolError(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"scan":""}`))
	})

	_, err := c.StartSpider(context.Background(), "https://app.example.com")
	if !zerr.IsProtocolError(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one call, got %d", calls)
	}
	if zerr.IsTransient(err) {
		t.Error("empty scan id must not be transient")
	}
}

func TestClient_Status(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{"string percent", `{"status":"42"}`, 42, false},
		{"numeric percent", `{"status":100}`, 100, false},
		{"clamped", `{"status":"120"}`, 100, false},
		{"missing field", `{}`, 0, true},
		{"not a number", `{"status":"abc"}`, 0, true},
		{"malformed json", `{"status":`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("scanId") != "5" {
					t.Errorf("expected scanId=5, got %v", r.URL.Query())
				}
				w.Write([]byte(tt.body))
			})
			got, err := c.SpiderStatus(context.Background(), "5")
			if tt.wantErr {
				if !zerr.IsProtocolError(err) {
					t.Errorf("expected protocol error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SpiderStatus: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestClient_Non2xx(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusForbidden)
	})

	_, err := c.Version(context.Background())
	if !zerr.IsProtocolError(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusForbidden {
		t.Errorf("expected HTTPError 403 in chain, got %v", err)
	}
}

func TestClient_Alerts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("baseurl") != "https://app.example.com" || q.Get("start") != "0" || q.Get("count") != "9999" {
			t.Errorf("unexpected alert params %v", q)
		}
		w.Write([]byte(`{"alerts":[
			{"pluginId":"10202","alert":"Absence of Anti-CSRF Tokens","risk":"Medium","confidence":"Low",
			 "url":"https://app.example.com/login","param":"","method":"GET","evidence":"<form>","cweid":"352"},
			{"pluginId":40012,"name":"Cross Site Scripting (Reflected)","risk":"High","cweid":79}
		]}`))
	})

	alerts, err := c.Alerts(context.Background(), "https://app.example.com")
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].PluginID != "10202" || alerts[0].CWEID != "352" {
		t.Errorf("unexpected first alert %+v", alerts[0])
	}
	if alerts[1].PluginID != "40012" || alerts[1].Title() != "Cross Site Scripting (Reflected)" {
		t.Errorf("unexpected second alert %+v", alerts[1])
	}
	if len(alerts[0].Raw) == 0 {
		t.Error("raw alert not kept")
	}
}

func TestClient_ConnectionRefusedIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(&Config{BaseURL: "http://" + addr})
	_, err = c.Version(context.Background())
	if !zerr.IsProtocolError(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if !zerr.IsTransient(err) {
		t.Errorf("connection refused should be transient: %v", err)
	}
}

func TestClient_CallTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	c.timeout = 50 * time.Millisecond

	_, err := c.Version(context.Background())
	if !zerr.IsProtocolError(err) || !zerr.IsTransient(err) {
		t.Errorf("expected transient protocol error, got %v", err)
	}
}

func TestCanonicalJSON_KeyOrder(t *testing.T) {
	a, err := DecodeAlerts([]byte(`[{"pluginId":"1","url":"https://x","risk":"High"}]`))
	if err != nil {
		t.Fatalf("DecodeAlerts: %v", err)
	}
	b, err := DecodeAlerts([]byte(`[{"risk":"High","url":"https://x","pluginId":"1"}]`))
	if err != nil {
		t.Fatalf("DecodeAlerts: %v", err)
	}
	ca, _ := CanonicalJSON(a)
	cb, _ := CanonicalJSON(b)
	if string(ca) != string(cb) {
		t.Errorf("canonical encodings differ:\n%s\n%s", ca, cb)
	}
	if !strings.HasPrefix(string(ca), `[{"pluginId"`) {
		t.Errorf("keys not sorted: %s", ca)
	}
}

func TestClientFactory_CachesPerNode(t *testing.T) {
	f := NewClientFactory(nil)
	n := &model.Node{ID: 1, BaseURL: "http://zap-1:8090", APIKey: "a"}

	c1 := f.ClientFor(n)
	c2 := f.ClientFor(n)
	if c1 != c2 {
		t.Error("expected cached client")
	}
	n.APIKey = "b"
	if f.ClientFor(n) == c1 {
		t.Error("expected new client after credential change")
	}
}
