package debug

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	logx "keyq/pkg/logx"
)

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if a := s.Addr(); a != "" {
			return a
		}
		if time.Now().After(deadline) {
			t.Fatal("debug server never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func get(t *testing.T, url, bearer string) (int, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServeHealthAndStatus(t *testing.T) {
	status := func() any { return map[string]int{"pending": 3} }
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, status, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	base := "http://" + waitAddr(t, s)

	if code, body := get(t, base+"/healthz", ""); code != 200 || body != "ok" {
		t.Fatalf("/healthz = %d %q", code, body)
	}
	code, body := get(t, base+"/status", "")
	if code != 200 {
		t.Fatalf("/status = %d", code)
	}
	var doc map[string]int
	if err := json.Unmarshal([]byte(body), &doc); err != nil || doc["pending"] != 3 {
		t.Fatalf("status doc = %q (%v)", body, err)
	}
	if code, _ := get(t, base+"/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof served while disabled: %d", code)
	}
}

func TestTokenAndPprof(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret", Pprof: true}, nil, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	base := "http://" + waitAddr(t, s)

	if code, _ := get(t, base+"/healthz", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", code)
	}
	if code, _ := get(t, base+"/healthz", "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", code)
	}
	if code, _ := get(t, base+"/healthz?token=s3cret", ""); code != 200 {
		t.Fatalf("query token: %d", code)
	}
	if code, _ := get(t, base+"/debug/pprof/cmdline", "s3cret"); code != 200 {
		t.Fatalf("pprof: %d", code)
	}
}

func TestReconfigure(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	ctx := context.Background()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	first := waitAddr(t, s)

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true})
	base := "http://" + waitAddr(t, s)
	if code, _ := get(t, base+"/debug/pprof/cmdline", ""); code != 200 {
		t.Fatalf("pprof after reconfigure: %d (first addr %s)", code, first)
	}

	s.Reconfigure(ctx, Config{})
	if s.Addr() != "" || s.Enabled() {
		t.Fatal("server still up after disable")
	}
}

func TestCheckBind(t *testing.T) {
	cases := []struct {
		addr, token string
		insecure    bool
		ok          bool
	}{
		{"127.0.0.1:6060", "", false, true},
		{"localhost:6060", "", false, true},
		{"[::1]:6060", "", false, true},
		{":6060", "", false, false},
		{"0.0.0.0:6060", "", false, false},
		{"0.0.0.0:6060", "t", false, true},
		{"0.0.0.0:6060", "", true, true},
		{"no-port", "", true, false},
	}
	for _, tc := range cases {
		err := CheckBind(tc.addr, tc.token, tc.insecure)
		if (err == nil) != tc.ok {
			t.Errorf("CheckBind(%q, %q, %v) = %v", tc.addr, tc.token, tc.insecure, err)
		}
	}
}
