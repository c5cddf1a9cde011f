package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"triggerd/internal/storage"
	"triggerd/internal/trigger"
	"triggerd/internal/trigger/uitrigger"
	logx "triggerd/pkg/logx"
)

type kinds map[string]trigger.Kind

func (k kinds) Kind(typ string) (trigger.Kind, bool) {
	v, ok := k[typ]
	return v, ok
}

func newServer(t *testing.T, cfg Config) (*httptest.Server, *storage.MemoryStore) {
	t.Helper()
	mem := storage.NewMemory()
	ui := uitrigger.New(mem, kinds{"export": trigger.KindUI}, logx.Nop())
	svc := New(cfg, Deps{
		UI:       ui,
		Schedule: func() any { return map[string]int{"schedules": 2} },
	}, logx.Nop())
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return srv, mem
}

func do(t *testing.T, method, url, user, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set(DefaultUserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(b))
}

func setStatus(t *testing.T, mem *storage.MemoryStore, id string, st trigger.Status, response string) {
	t.Helper()
	tr, err := mem.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	tr.Status = st
	if response != "" {
		tr.Response = json.RawMessage(response)
	}
	if err := mem.Update(context.Background(), tr); err != nil {
		t.Fatal(err)
	}
}

func create(t *testing.T, base string) string {
	t.Helper()
	code, body := do(t, http.MethodPost, base+"/triggers/export", "u1", `{"month":5}`)
	if code != http.StatusCreated {
		t.Fatalf("create: %d %s", code, body)
	}
	var v uitrigger.StatusView
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v.ID
}

func TestTriggerLifecycle(t *testing.T) {
	t.Parallel()

	srv, mem := newServer(t, Config{})
	id := create(t, srv.URL)

	if code, body := do(t, http.MethodGet, srv.URL+"/triggers/"+id, "u1", ""); code != http.StatusOK || !strings.Contains(body, `"status":"IDLE"`) {
		t.Fatalf("status: %d %s", code, body)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/triggers/"+id, "u2", ""); code != http.StatusNotFound {
		t.Fatalf("foreign status: %d", code)
	}
	if code, body := do(t, http.MethodGet, srv.URL+"/triggers/"+id+"/result", "u1", ""); code != http.StatusRequestTimeout {
		t.Fatalf("unfinished result: %d %s", code, body)
	}

	setStatus(t, mem, id, trigger.StatusSuccess, `{"url":"/r.csv"}`)
	if code, body := do(t, http.MethodGet, srv.URL+"/triggers/"+id+"/result", "u1", ""); code != http.StatusOK || body != `{"url":"/r.csv"}` {
		t.Fatalf("result: %d %s", code, body)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/triggers/"+id+"/result", "u1", ""); code != http.StatusNotFound {
		t.Fatalf("second result: %d", code)
	}
}

func TestResultCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status   trigger.Status
		response string
		code     int
		body     string
	}{
		{trigger.StatusError, `{"error":"boom"}`, http.StatusUnprocessableEntity, `{"error":"boom"}`},
		{trigger.StatusCancelled, "", http.StatusGone, `{"error":"cancelled"}`},
		{trigger.StatusProcessing, "", http.StatusRequestTimeout, `{"status":"PROCESSING"}`},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			t.Parallel()
			srv, mem := newServer(t, Config{})
			id := create(t, srv.URL)
			setStatus(t, mem, id, tc.status, tc.response)

			code, body := do(t, http.MethodGet, srv.URL+"/triggers/"+id+"/result", "u1", "")
			if code != tc.code || body != tc.body {
				t.Fatalf("got %d %s want %d %s", code, body, tc.code, tc.body)
			}
		})
	}
}

func TestAbort(t *testing.T) {
	t.Parallel()

	srv, mem := newServer(t, Config{})

	idle := create(t, srv.URL)
	if code, body := do(t, http.MethodDelete, srv.URL+"/triggers/"+idle, "u1", ""); code != http.StatusOK || !strings.Contains(body, "deleted") {
		t.Fatalf("abort idle: %d %s", code, body)
	}
	if _, err := mem.Get(context.Background(), idle); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("idle trigger not deleted: %v", err)
	}

	running := create(t, srv.URL)
	setStatus(t, mem, running, trigger.StatusProcessing, "")
	if code, body := do(t, http.MethodDelete, srv.URL+"/triggers/"+running, "u1", ""); code != http.StatusOK || !strings.Contains(body, "cancelling") {
		t.Fatalf("abort running: %d %s", code, body)
	}
	if code, _ := do(t, http.MethodDelete, srv.URL+"/triggers/"+running, "u1", ""); code != http.StatusConflict {
		t.Fatalf("abort cancelling: %d", code)
	}
}

func TestRequestValidation(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, Config{})
	cases := []struct {
		name, method, path, user, body string
		code                           int
	}{
		{"missing user", http.MethodPost, "/triggers/export", "", `{}`, http.StatusUnauthorized},
		{"unknown type", http.MethodPost, "/triggers/nope", "u1", `{}`, http.StatusNotFound},
		{"invalid json", http.MethodPost, "/triggers/export", "u1", `{nope`, http.StatusBadRequest},
		{"empty body", http.MethodPost, "/triggers/export", "u1", ``, http.StatusCreated},
		{"unknown id", http.MethodGet, "/triggers/missing", "u1", ``, http.StatusNotFound},
		{"health", http.MethodGet, "/healthz", "", ``, http.StatusOK},
		{"no debug by default", http.MethodGet, "/debug/scheduler", "", ``, http.StatusNotFound},
	}
	for _, tc := range cases {
		if code, body := do(t, tc.method, srv.URL+tc.path, tc.user, tc.body); code != tc.code {
			t.Fatalf("%s: %d %s want %d", tc.name, code, body, tc.code)
		}
	}
}

func TestDebugAuth(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, Config{Debug: true, Token: "s3cret", Addr: "0.0.0.0:9000"})

	if code, _ := do(t, http.MethodGet, srv.URL+"/debug/scheduler", "", ""); code != http.StatusUnauthorized {
		t.Fatalf("without token: %d", code)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/debug/scheduler", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with token: %d", resp.StatusCode)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/debug/pprof/?token=s3cret", "", ""); code != http.StatusOK {
		t.Fatalf("pprof index: %d", code)
	}

	open, _ := newServer(t, Config{Debug: true, Addr: "0.0.0.0:9000"})
	if code, _ := do(t, http.MethodGet, open.URL+"/debug/scheduler", "", ""); code != http.StatusNotFound {
		t.Fatalf("public debug without token should not be mounted: %d", code)
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	svc.Start(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for svc.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	code, _ := do(t, http.MethodGet, "http://"+svc.Addr()+"/healthz", "", "")
	if code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
	if svc.Addr() != "" {
		t.Fatalf("addr still set after stop")
	}
}
