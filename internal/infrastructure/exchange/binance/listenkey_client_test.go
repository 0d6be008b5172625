package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListenKeyCreate(t *testing.T) {
	var gotKey, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(apiKeyHeader)
		gotMethod = r.Method
		if r.URL.Path != "/api/v3/userDataStream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"listenKey":"lk-created"}`))
	}))
	defer srv.Close()

	c := NewListenKeyClient(srv.URL)
	key, err := c.Create(context.Background(), "my-api-key")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if key != "lk-created" {
		t.Fatalf("expected lk-created, got %s", key)
	}
	if gotMethod != http.MethodPost || gotKey != "my-api-key" {
		t.Fatalf("expected POST with api key header, got %s / %s", gotMethod, gotKey)
	}
}

func TestListenKeyCreateRejectsEmptyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if _, err := NewListenKeyClient(srv.URL).Create(context.Background(), "k"); err == nil {
		t.Fatalf("empty listen key in response must error")
	}
}

func TestListenKeyKeepaliveAndClose(t *testing.T) {
	var methods []string
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		queries = append(queries, r.URL.Query().Get("listenKey"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewListenKeyClient(srv.URL)
	if err := c.Keepalive(context.Background(), "k", "lk-1"); err != nil {
		t.Fatalf("keepalive failed: %v", err)
	}
	if err := c.Close(context.Background(), "k", "lk-1"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if methods[0] != http.MethodPut || methods[1] != http.MethodDelete {
		t.Fatalf("expected PUT then DELETE, got %v", methods)
	}
	if queries[0] != "lk-1" || queries[1] != "lk-1" {
		t.Fatalf("listenKey query missing, got %v", queries)
	}
}

func TestListenKeyErrorStatusSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{"code":-1125,"msg":"This listenKey does not exist."}`))
	}))
	defer srv.Close()

	err := NewListenKeyClient(srv.URL).Keepalive(context.Background(), "k", "lk-dead")
	if err == nil {
		t.Fatalf("non-200 must surface an error")
	}
}

func TestAccountBalancesSigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("timestamp") == "" || q.Get("recvWindow") == "" {
			t.Errorf("signed request must carry timestamp and recvWindow")
		}
		sig := q.Get("signature")
		raw := r.URL.RawQuery
		payload := raw[:len(raw)-len("&signature=")-len(sig)]
		if sig != sign("my-secret", payload) {
			t.Errorf("signature mismatch for payload %q", payload)
		}
		w.Write([]byte(`{"balances":[{"asset":"BTC","free":"0.5","locked":"0.1"},{"asset":"DUST","free":"0","locked":"0"}]}`))
	}))
	defer srv.Close()

	bals, err := NewListenKeyClient(srv.URL).Balances(context.Background(), "my-key", "my-secret")
	if err != nil {
		t.Fatalf("balances failed: %v", err)
	}
	// 全零余额行被过滤
	if len(bals) != 1 {
		t.Fatalf("expected zero rows filtered, got %d", len(bals))
	}
	if bals[0].Asset != "BTC" || bals[0].Total != 0.6 {
		t.Fatalf("unexpected balance %+v", bals[0])
	}
}
