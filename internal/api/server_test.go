package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/nerrad567/dcc-flasher/internal/catalog"
	"github.com/nerrad567/dcc-flasher/internal/device"
	"github.com/nerrad567/dcc-flasher/internal/discovery"
	"github.com/nerrad567/dcc-flasher/internal/dispatch"
	"github.com/nerrad567/dcc-flasher/internal/history"
	"github.com/nerrad567/dcc-flasher/internal/infrastructure/config"
	"github.com/nerrad567/dcc-flasher/internal/infrastructure/logging"
	"github.com/nerrad567/dcc-flasher/internal/logsink"
	"github.com/nerrad567/dcc-flasher/internal/monitor"
)

const (
	testSecret = "test-secret-key-at-least-32-characters-long"
	usbPort    = "/dev/ttyUSB0"
)

// ─── Fakes ─────────────────────────────────────────────────────────

type taskCall struct {
	op        string
	deviceID  string
	artifacts []string
}

type fakeTasks struct {
	mu     sync.Mutex
	calls  []taskCall
	err    error
	status string
	active *dispatch.Task
}

func (f *fakeTasks) record(op, id string, artifacts ...string) (*dispatch.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, taskCall{op: op, deviceID: id, artifacts: artifacts})
	if f.err != nil {
		return nil, f.err
	}
	return &dispatch.Task{ID: "task-1", Kind: dispatch.Kind(op), DeviceID: id}, nil
}

func (f *fakeTasks) Flash(_ context.Context, id, artifact string) (*dispatch.Task, error) {
	return f.record("flash", id, artifact)
}

func (f *fakeTasks) Erase(_ context.Context, id string) (*dispatch.Task, error) {
	return f.record("erase", id)
}

func (f *fakeTasks) PushConfig(_ context.Context, id, artifact string) (*dispatch.Task, error) {
	return f.record("config", id, artifact)
}

func (f *fakeTasks) BatchUpload(_ context.Context, id string, artifacts []string) (*dispatch.Task, error) {
	return f.record("batch", id, artifacts...)
}

func (f *fakeTasks) EnableRemoteLogging(_ context.Context, id string) (string, error) {
	if _, err := f.record("logging", id); err != nil {
		return "", err
	}
	return f.status, nil
}

func (f *fakeTasks) Active(kind dispatch.Kind) *dispatch.Task {
	if f.active != nil && f.active.Kind == kind {
		return f.active
	}
	return nil
}

type fakeRescanner struct{ n int }

func (f *fakeRescanner) Rescan() { f.n++ }

type fakeHistory struct {
	filter history.Filter
}

func (f *fakeHistory) List(_ context.Context, filter history.Filter) (*history.ListResult, error) {
	f.filter = filter
	return &history.ListResult{
		Records: []history.Record{{ID: "t1", Kind: "flash", DeviceID: usbPort, Status: history.StatusSucceeded}},
		Total:   1,
		Limit:   filter.Limit,
	}, nil
}

type fakeMonitor struct {
	mu     sync.Mutex
	status monitor.Status
	sent   []string
}

func (f *fakeMonitor) Connect(_ context.Context, id string) (monitor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.status.Connected:
		return monitor.Status{}, monitor.ErrAlreadyConnected
	case id != usbPort:
		return monitor.Status{}, device.ErrDeviceNotFound
	}
	f.status = monitor.Status{Connected: true, Port: id, Since: time.Now()}
	return f.status, nil
}

func (f *fakeMonitor) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.status.Connected {
		return monitor.ErrNotConnected
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeMonitor) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.status.Connected {
		return monitor.ErrNotConnected
	}
	f.status = monitor.Status{}
	return nil
}

func (f *fakeMonitor) Status() monitor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// ─── Fixtures ──────────────────────────────────────────────────────

type testEnv struct {
	srv       *Server
	router    http.Handler
	registry  *device.Registry
	tasks     *fakeTasks
	rescanner *fakeRescanner
	history   *fakeHistory
	monitor   *fakeMonitor
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "discard"}, "test")
}

func testServer(t *testing.T, secret string, cat Catalog) *testEnv {
	t.Helper()

	registry := device.NewRegistry(device.Options{NamePrefix: device.DefaultNamePrefix})
	registry.ObserveUSB([]device.USBSighting{
		{Port: usbPort, IsUSB: true, VID: 0x1A86, PID: 0x7523, Product: "USB Serial"},
		{Port: "/dev/ttyS0", IsUSB: false},
	})
	registry.Observe(device.NetworkSighting{Instance: "ly-dcc-kitchen", IP: "192.168.1.20", Port: 80})

	env := &testEnv{
		registry:  registry,
		tasks:     &fakeTasks{status: "Started."},
		rescanner: &fakeRescanner{},
		history:   &fakeHistory{},
		monitor:   &fakeMonitor{},
	}

	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security:  config.SecurityConfig{JWT: config.JWTConfig{Secret: secret}},
		Logger:    testLogger(),
		Devices:   registry,
		Tasks:     env.tasks,
		Rescanner: env.rescanner,
		History:   env.history,
		Monitor:   env.monitor,
		Version:   "test",
	}
	if cat != nil {
		deps.Catalog = cat
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	env.srv = srv
	env.router = srv.buildRouter()
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return resp
}

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func devicePath(id, suffix string) string {
	return "/api/v1/devices/" + url.PathEscape(id) + suffix
}

// ─── Health and middleware ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t, "", nil)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	resp := decode(t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
}

func TestRequestID(t *testing.T) {
	env := testServer(t, "", nil)

	if got := env.do(t, http.MethodGet, "/api/v1/health", "").Header().Get("X-Request-ID"); got == "" {
		t.Error("expected X-Request-ID header to be set")
	}
	w := env.do(t, http.MethodGet, "/api/v1/health", "", "X-Request-ID", "client-123")
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t, "", nil)
	env.srv.cfg.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	env.router = env.srv.buildRouter()

	w := env.do(t, http.MethodOptions, "/api/v1/devices", "", "Origin", "http://localhost:3000")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want http://localhost:3000", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	env := testServer(t, "", nil)
	env.srv.cfg.CORS.AllowedOrigins = []string{"http://panel.local"}
	env.router = env.srv.buildRouter()

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "Origin", "http://evil.example")
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q, want empty", got)
	}
}

func TestCORS_EmptyAllowListRejectsCrossOrigin(t *testing.T) {
	env := testServer(t, "", nil)

	w := env.do(t, http.MethodOptions, "/api/v1/devices/"+url.PathEscape(usbPort)+"/flash", "",
		"Origin", "https://evil.example")
	if w.Code != http.StatusForbidden {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q, want empty", got)
	}

	// A simple request needs no preflight; it must still not reach the dispatcher.
	w = env.do(t, http.MethodPost, "/api/v1/devices/"+url.PathEscape(usbPort)+"/flash",
		`{"artifact":"https://evil.example/fw.bin"}`,
		"Origin", "https://evil.example", "Content-Type", "text/plain")
	if w.Code != http.StatusForbidden {
		t.Errorf("flash status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if len(env.tasks.calls) != 0 {
		t.Errorf("dispatcher calls = %+v, want none", env.tasks.calls)
	}
}

func TestCORS_SameOriginAndWildcard(t *testing.T) {
	env := testServer(t, "", nil)

	// httptest requests are addressed to example.com.
	w := env.do(t, http.MethodGet, "/api/v1/health", "", "Origin", "http://example.com")
	if w.Code != http.StatusOK {
		t.Errorf("same-origin status = %d, want 200", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/health", ""); w.Code != http.StatusOK {
		t.Errorf("no-origin status = %d, want 200", w.Code)
	}

	env.srv.cfg.CORS.AllowedOrigins = []string{"*"}
	env.router = env.srv.buildRouter()
	w = env.do(t, http.MethodGet, "/api/v1/health", "", "Origin", "http://anywhere.example")
	if w.Code != http.StatusOK {
		t.Errorf("wildcard status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://anywhere.example" {
		t.Errorf("ACAO = %q", got)
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t, "", nil)
	if w := env.do(t, http.MethodGet, "/api/v1/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestRecovery(t *testing.T) {
	env := testServer(t, "", nil)
	handler := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ─── Auth ──────────────────────────────────────────────────────────

func TestAuth_Disabled(t *testing.T) {
	env := testServer(t, "", nil)
	if w := env.do(t, http.MethodGet, "/api/v1/devices", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without a configured secret", w.Code)
	}
}

func TestAuth_Bearer(t *testing.T) {
	env := testServer(t, testSecret, nil)
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic YWRtaW46YWRtaW4=", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
		{"valid", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret,
			jwt.MapClaims{"sub": "tester", "exp": future}), http.StatusOK},
		{"wrong secret", "Bearer " + signToken(t, jwt.SigningMethodHS256, "another-secret-that-is-long-enough",
			jwt.MapClaims{"sub": "tester", "exp": future}), http.StatusUnauthorized},
		{"wrong algorithm", "Bearer " + signToken(t, jwt.SigningMethodHS512, testSecret,
			jwt.MapClaims{"sub": "tester", "exp": future}), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret,
			jwt.MapClaims{"sub": "tester", "exp": time.Now().Add(-time.Minute).Unix()}), http.StatusUnauthorized},
		{"no expiry", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret,
			jwt.MapClaims{"sub": "tester"}), http.StatusUnauthorized},
		{"no subject", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret,
			jwt.MapClaims{"exp": future}), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var header []string
			if tt.header != "" {
				header = []string{"Authorization", tt.header}
			}
			w := env.do(t, http.MethodGet, "/api/v1/devices", "", header...)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	if w := env.do(t, http.MethodGet, "/api/v1/health", ""); w.Code != http.StatusOK {
		t.Errorf("health should not require auth, got %d", w.Code)
	}
}

func TestWSTicket_SingleUse(t *testing.T) {
	env := testServer(t, testSecret, nil)
	token := signToken(t, jwt.SigningMethodHS256, testSecret,
		jwt.MapClaims{"sub": "tester", "exp": time.Now().Add(time.Hour).Unix()})

	w := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", "", "Authorization", "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	ticket, _ := decode(t, w)["ticket"].(string)
	if ticket == "" {
		t.Fatal("expected ticket to be a non-empty string")
	}

	entry, ok := env.srv.tickets.consume(ticket, time.Now())
	if !ok {
		t.Fatal("ticket should be valid on first use")
	}
	if entry.subject != "tester" {
		t.Errorf("subject = %q, want tester", entry.subject)
	}
	if _, ok := env.srv.tickets.consume(ticket, time.Now()); ok {
		t.Error("ticket should not be valid on second use")
	}
}

func TestWSTicket_Expiry(t *testing.T) {
	store := newTicketStore()
	past := time.Now().Add(-2 * ticketTTL)
	ticket := store.issue("tester", past)

	if _, ok := store.consume(ticket, time.Now()); ok {
		t.Error("expired ticket should not be valid")
	}

	stale := store.issue("tester", past)
	store.expire(time.Now())
	if _, ok := store.pending[stale]; ok {
		t.Error("expire should drop unused tickets")
	}
}

// ─── Devices ───────────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	env := testServer(t, "", nil)

	resp := decode(t, env.do(t, http.MethodGet, "/api/v1/devices", ""))
	if int(resp["count"].(float64)) != 2 {
		t.Errorf("count = %v, want 2", resp["count"])
	}

	resp = decode(t, env.do(t, http.MethodGet, "/api/v1/devices?transport=remote", ""))
	if int(resp["count"].(float64)) != 1 {
		t.Fatalf("remote count = %v, want 1", resp["count"])
	}
	first := resp["devices"].([]any)[0].(map[string]any)
	if first["transport"] != "remote" || first["address"] != "192.168.1.20:80" {
		t.Errorf("remote device = %v", first)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/devices?transport=bluetooth", ""); w.Code != http.StatusBadRequest {
		t.Errorf("invalid transport status = %d, want 400", w.Code)
	}
}

func TestListFiltered(t *testing.T) {
	env := testServer(t, "", nil)

	resp := decode(t, env.do(t, http.MethodGet, "/api/v1/devices/filtered", ""))
	if int(resp["count"].(float64)) != 1 {
		t.Fatalf("filtered count = %v, want 1", resp["count"])
	}
	if id := resp["devices"].([]any)[0].(map[string]any)["id"]; id != "/dev/ttyS0" {
		t.Errorf("filtered id = %v, want /dev/ttyS0", id)
	}
}

func TestGetDevice(t *testing.T) {
	env := testServer(t, "", nil)

	w := env.do(t, http.MethodGet, devicePath("192.168.1.20/ly-dcc-kitchen", ""), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["display_name"] != "ly-dcc-kitchen" {
		t.Errorf("display_name = %v", resp["display_name"])
	}

	if w := env.do(t, http.MethodGet, devicePath("/dev/ttyS0", ""), ""); w.Code != http.StatusNotFound {
		t.Errorf("filtered device status = %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodGet, devicePath("/dev/ttyUSB9", ""), ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", w.Code)
	}
}

func TestRescan(t *testing.T) {
	env := testServer(t, "", nil)

	if w := env.do(t, http.MethodPost, "/api/v1/devices/rescan", ""); w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
	if env.rescanner.n != 1 {
		t.Errorf("rescans = %d, want 1", env.rescanner.n)
	}
}

func TestRestartDiscovery_Disabled(t *testing.T) {
	env := testServer(t, "", nil)
	if w := env.do(t, http.MethodPost, "/api/v1/discovery/restart", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Tasks ─────────────────────────────────────────────────────────

func TestFlash(t *testing.T) {
	env := testServer(t, "", nil)

	w := env.do(t, http.MethodPost, devicePath(usbPort, "/flash"), `{"artifact":"LY-DCC (1.4.0)"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["task_id"] != "task-1" || resp["kind"] != "flash" || resp["device_id"] != usbPort {
		t.Errorf("response = %v", resp)
	}
	call := env.tasks.calls[0]
	if call.deviceID != usbPort || call.artifacts[0] != "LY-DCC (1.4.0)" {
		t.Errorf("call = %+v", call)
	}
}

func TestTaskRoutes(t *testing.T) {
	env := testServer(t, "", nil)

	tests := []struct {
		path string
		body string
		op   string
	}{
		{devicePath(usbPort, "/erase"), "", "erase"},
		{devicePath(usbPort, "/config"), `{"artifact":"/tmp/loco.json"}`, "config"},
		{devicePath(usbPort, "/batch"), `{"artifacts":["a.json","b.json"]}`, "batch"},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != http.StatusAccepted {
				t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
			}
			last := env.tasks.calls[len(env.tasks.calls)-1]
			if last.op != tt.op {
				t.Errorf("op = %q, want %q", last.op, tt.op)
			}
		})
	}

	last := env.tasks.calls[len(env.tasks.calls)-1]
	if len(last.artifacts) != 2 || last.artifacts[1] != "b.json" {
		t.Errorf("batch artifacts = %v", last.artifacts)
	}
}

func TestTask_Errors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  int
		class string
	}{
		{"busy", dispatch.ErrBusy, http.StatusConflict, "busy"},
		{"unknown device", fmt.Errorf("%w: /dev/x", device.ErrDeviceNotFound), http.StatusNotFound, "configuration"},
		{"invalid artifact", dispatch.ErrInvalidArtifact, http.StatusBadRequest, "configuration"},
		{"unsupported", dispatch.ErrUnsupported, http.StatusBadRequest, "configuration"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t, "", nil)
			env.tasks.err = tt.err

			w := env.do(t, http.MethodPost, devicePath(usbPort, "/flash"), `{"artifact":"x.bin"}`)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if got := decode(t, w)["class"]; got != tt.class {
				t.Errorf("class = %v, want %s", got, tt.class)
			}
		})
	}
}

func TestFlash_InvalidJSON(t *testing.T) {
	env := testServer(t, "", nil)
	if w := env.do(t, http.MethodPost, devicePath(usbPort, "/flash"), `{bad`); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(env.tasks.calls) != 0 {
		t.Error("dispatcher should not be called for a malformed body")
	}
}

func TestEnableLogging(t *testing.T) {
	env := testServer(t, "", nil)

	w := env.do(t, http.MethodPost, devicePath("192.168.1.20/ly-dcc-kitchen", "/logging"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["status"]; got != "Started." {
		t.Errorf("status = %v, want Started.", got)
	}
	if env.tasks.calls[0].deviceID != "192.168.1.20/ly-dcc-kitchen" {
		t.Errorf("device id = %q", env.tasks.calls[0].deviceID)
	}
}

// ─── Catalog and history ───────────────────────────────────────────

func TestCatalog_FetchesOnFirstUse(t *testing.T) {
	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		io.WriteString(w, `{"firmware":[{"board":"LY-DCC","version":"1.4.0","url":"https://x/fw.bin"}],"files":["a.json"]}`) //nolint:errcheck // test server
	}))
	defer upstream.Close()

	env := testServer(t, "", catalog.New(upstream.URL, upstream.Client()))

	for range 2 {
		w := env.do(t, http.MethodGet, "/api/v1/catalog", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
		}
		resp := decode(t, w)
		entry := resp["firmware"].([]any)[0].(map[string]any)
		if entry["label"] != "LY-DCC (1.4.0)" || entry["url"] != "https://x/fw.bin" {
			t.Errorf("entry = %v", entry)
		}
	}
	if hits != 1 {
		t.Errorf("upstream hits = %d, want 1", hits)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/catalog/refresh", ""); w.Code != http.StatusOK {
		t.Errorf("refresh status = %d", w.Code)
	}
	if hits != 2 {
		t.Errorf("upstream hits after refresh = %d, want 2", hits)
	}
}

func TestCatalog_Unavailable(t *testing.T) {
	env := testServer(t, "", nil)
	if w := env.do(t, http.MethodGet, "/api/v1/catalog", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestCatalog_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	env := testServer(t, "", catalog.New(upstream.URL, upstream.Client()))
	if w := env.do(t, http.MethodGet, "/api/v1/catalog", ""); w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestHistory(t *testing.T) {
	env := testServer(t, "", nil)

	w := env.do(t, http.MethodGet, "/api/v1/history?kind=flash&device_id=%2Fdev%2FttyUSB0&limit=10&offset=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	f := env.history.filter
	if f.Kind != "flash" || f.DeviceID != usbPort || f.Limit != 10 || f.Offset != 5 {
		t.Errorf("filter = %+v", f)
	}
	if int(decode(t, w)["total"].(float64)) != 1 {
		t.Error("expected total 1")
	}

	if w := env.do(t, http.MethodGet, "/api/v1/history?limit=abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("invalid limit status = %d, want 400", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	env := testServer(t, "", nil)
	env.tasks.active = &dispatch.Task{ID: "running", Kind: dispatch.KindFlash}

	resp := decode(t, env.do(t, http.MethodGet, "/api/v1/metrics", ""))
	devices := resp["devices"].(map[string]any)
	if devices["usb"].(float64) != 1 || devices["remote"].(float64) != 1 {
		t.Errorf("devices = %v", devices)
	}
	if active := resp["active_tasks"].(map[string]any); active["flash"] != "running" {
		t.Errorf("active_tasks = %v", active)
	}
	if resp["websocket_clients"].(float64) != 0 {
		t.Errorf("websocket_clients = %v", resp["websocket_clients"])
	}
	if _, ok := resp["mqtt_connected"]; ok {
		t.Error("mqtt_connected should be absent without a bus")
	}
}

// ─── Hub ───────────────────────────────────────────────────────────

func newTestClient(hub *Hub, channels ...string) *WSClient {
	subs := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		subs[ch] = struct{}{}
	}
	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: subs,
	}
	hub.Register(client)
	return client
}

func receive(t *testing.T, client *WSClient) WSMessage {
	t.Helper()
	select {
	case data := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast message")
		return WSMessage{}
	}
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	subscribed := newTestClient(hub, ChannelTaskProgress)
	other := newTestClient(hub, ChannelLogReceived)
	all := newTestClient(hub, "*")

	hub.Publish(dispatch.Event{TaskID: "t1", Kind: dispatch.KindFlash, Status: "Writing", Progress: 0.5})

	if msg := receive(t, subscribed); msg.EventType != ChannelTaskProgress {
		t.Errorf("event_type = %q, want %q", msg.EventType, ChannelTaskProgress)
	}
	receive(t, all)
	select {
	case <-other.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_PublishFinishedCarriesError(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	client := newTestClient(hub, ChannelTaskFinished)

	hub.Publish(dispatch.Event{
		TaskID:     "t1",
		Done:       true,
		Err:        dispatch.ErrInvalidArchive,
		ErrorClass: dispatch.ClassConfiguration,
	})

	msg := receive(t, client)
	payload := msg.Payload.(map[string]any)
	if payload["error"] != dispatch.ErrInvalidArchive.Error() {
		t.Errorf("error = %v", payload["error"])
	}
	if payload["error_class"] != "configuration" || payload["done"] != true {
		t.Errorf("payload = %v", payload)
	}
}

func TestHub_DriverAndLogChannels(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	client := newTestClient(hub, ChannelDriverMissing, ChannelLogReceived)

	hub.BroadcastDriverMissing(device.DriverSignal{URL: "https://driver.example", Time: time.Now()})
	if msg := receive(t, client); msg.EventType != ChannelDriverMissing {
		t.Errorf("event_type = %q", msg.EventType)
	}

	hub.BroadcastLog(logsink.Entry{Time: time.Now(), Source: "192.168.1.20", Message: "boot"})
	msg := receive(t, client)
	if msg.EventType != ChannelLogReceived || msg.Payload.(map[string]any)["message"] != "boot" {
		t.Errorf("log message = %+v", msg)
	}
}

func TestHub_SerialLineChannel(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	client := newTestClient(hub, ChannelSerialLine)

	hub.BroadcastSerialLine(monitor.Line{Port: usbPort, Text: "Booting", Time: time.Now()})
	msg := receive(t, client)
	payload, _ := msg.Payload.(map[string]any)
	if msg.EventType != ChannelSerialLine || payload["text"] != "Booting" {
		t.Errorf("serial line message = %+v", msg)
	}
	if !isKnownChannel(ChannelSerialLine) {
		t.Error("serial.line should be subscribable")
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}
	client := newTestClient(hub)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}
	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

func TestHub_ProgressSnapshotOnSubscribe(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	hub.Publish(dispatch.Event{TaskID: "t1", Kind: dispatch.KindFlash, Status: "Writing", Progress: 0.25})

	client := newTestClient(hub)
	client.subscribe("s1", []string{ChannelTaskProgress})

	if ack := receive(t, client); ack.Type != WSTypeResponse || ack.ID != "s1" {
		t.Fatalf("ack = %+v", ack)
	}
	msg := receive(t, client)
	if msg.EventType != ChannelTaskProgress || msg.Payload.(map[string]any)["task_id"] != "t1" {
		t.Errorf("snapshot = %+v", msg)
	}

	hub.Publish(dispatch.Event{TaskID: "t1", Kind: dispatch.KindFlash, Done: true, Progress: 1})
	late := newTestClient(hub)
	late.subscribe("s2", []string{ChannelTaskProgress})
	receive(t, late)
	select {
	case data := <-late.send:
		t.Errorf("finished task should not be replayed: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWSClient_RejectsUnknownChannel(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	client := newTestClient(hub)

	client.dispatch([]byte(`{"type":"subscribe","id":"s1","payload":{"channels":["task.progress","bogus"]}}`))
	if msg := receive(t, client); msg.Type != WSTypeError || msg.ID != "s1" {
		t.Errorf("reply = %+v, want error", msg)
	}
	if client.isSubscribed(ChannelTaskProgress) {
		t.Error("a rejected request should not subscribe any channel")
	}

	client.dispatch([]byte(`{"type":"subscribe","id":"s2"}`))
	if msg := receive(t, client); msg.Type != WSTypeError {
		t.Errorf("reply = %+v, want error for missing channels", msg)
	}
}

func TestWSClient_SendAfterClose(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	client := newTestClient(hub, channelAll)
	hub.Unregister(client)

	if client.trySend([]byte("x")) {
		t.Error("trySend should fail after close")
	}
	hub.BroadcastLog(logsink.Entry{Message: "ignored"})
}

// ─── Listener ──────────────────────────────────────────────────────

func startServer(t *testing.T, secret string) (*testEnv, string) {
	t.Helper()
	env := testServer(t, secret, nil)
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { env.srv.Close() }) //nolint:errcheck // Test cleanup
	return env, env.srv.Addr().String()
}

func TestServer_StartAndClose(t *testing.T) {
	env, addr := startServer(t, "")

	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() should fail after Close")
	}
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	env, addr := startServer(t, "")

	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	defer ws.Close()

	sub := WSMessage{Type: WSTypeSubscribe, ID: "sub-1", Payload: WSSubscribePayload{Channels: []string{ChannelTaskFinished}}}
	if err := ws.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline

	var ack WSMessage
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "sub-1" {
		t.Errorf("ack = %+v", ack)
	}

	env.srv.Hub().Publish(dispatch.Event{TaskID: "t1", Kind: dispatch.KindFlash, Done: true, Progress: 1, Status: "Finished"})

	var ev WSMessage
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.EventType != ChannelTaskFinished {
		t.Errorf("event_type = %q, want %q", ev.EventType, ChannelTaskFinished)
	}
	if ev.Payload.(map[string]any)["status"] != "Finished" {
		t.Errorf("payload = %v", ev.Payload)
	}
}

func TestWebSocket_DeviceSnapshot(t *testing.T) {
	_, addr := startServer(t, "")

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	sub := WSMessage{Type: WSTypeSubscribe, ID: "d1", Payload: WSSubscribePayload{Channels: []string{ChannelDevicesChanged}}}
	if err := ws.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline

	var ack, snap WSMessage
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if err := ws.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.EventType != ChannelDevicesChanged {
		t.Fatalf("event_type = %q", snap.EventType)
	}
	if count := snap.Payload.(map[string]any)["count"].(float64); count != 2 {
		t.Errorf("count = %v, want 2", count)
	}
}

func TestWebSocket_Ping(t *testing.T) {
	_, addr := startServer(t, "")

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	var pong WSMessage
	if err := ws.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != WSTypePong || pong.ID != "p1" {
		t.Errorf("pong = %+v", pong)
	}
}

func TestWebSocket_TicketRequiredWithAuth(t *testing.T) {
	_, addr := startServer(t, testSecret)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws", nil)
	if err == nil {
		t.Fatal("dial without ticket should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws?ticket=bogus", nil)
	if err == nil {
		t.Fatal("dial with invalid ticket should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestWebSocket_WithTicket(t *testing.T) {
	_, addr := startServer(t, testSecret)
	token := signToken(t, jwt.SigningMethodHS256, testSecret,
		jwt.MapClaims{"sub": "tester", "exp": time.Now().Add(time.Hour).Unix()})

	req, _ := http.NewRequest(http.MethodPost, "http://"+addr+"/api/v1/auth/ws-ticket", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ws-ticket request failed: %v", err)
	}
	defer resp.Body.Close()

	var result struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode ticket response: %v", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws?ticket="+result.Ticket, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	ws.Close()
}

// ─── Serial monitor ────────────────────────────────────────────────

func TestMonitor_ConnectSendDisconnect(t *testing.T) {
	env := testServer(t, "", nil)
	base := devicePath(usbPort, "/monitor")

	if w := env.do(t, http.MethodPost, "/api/v1/monitor/send", `{"text":"status\n"}`); w.Code != http.StatusConflict {
		t.Errorf("send while idle status = %d, want 409", w.Code)
	}

	w := env.do(t, http.MethodPost, base, "")
	if w.Code != http.StatusOK {
		t.Fatalf("connect status = %d, body %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["connected"] != true || resp["port"] != usbPort {
		t.Errorf("connect response = %v", resp)
	}
	if w := env.do(t, http.MethodPost, base, ""); w.Code != http.StatusConflict {
		t.Errorf("second connect status = %d, want 409", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/monitor/send", `{"text":"status\n"}`); w.Code != http.StatusOK {
		t.Errorf("send status = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/monitor/send", `{"text":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty send status = %d, want 400", w.Code)
	}
	if len(env.monitor.sent) != 1 || env.monitor.sent[0] != "status\n" {
		t.Errorf("sent = %q", env.monitor.sent)
	}

	if resp := decode(t, env.do(t, http.MethodGet, "/api/v1/monitor", "")); resp["connected"] != true {
		t.Errorf("status = %v", resp)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/monitor/disconnect", ""); w.Code != http.StatusOK {
		t.Errorf("disconnect status = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/monitor/disconnect", ""); w.Code != http.StatusConflict {
		t.Errorf("second disconnect status = %d, want 409", w.Code)
	}
}

func TestMonitor_UnknownDeviceAndDisabled(t *testing.T) {
	env := testServer(t, "", nil)
	w := env.do(t, http.MethodPost, devicePath("/dev/ttyUSB9", "/monitor"), "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", w.Code)
	}

	env.srv.monitor = nil
	env.router = env.srv.buildRouter()
	if w := env.do(t, http.MethodGet, "/api/v1/monitor", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled status = %d, want 503", w.Code)
	}
}

// ctxResolver records the context of each browse session.
type ctxResolver struct {
	mu   sync.Mutex
	ctxs []context.Context
}

func (r *ctxResolver) Browse(ctx context.Context, _, _ string, out chan<- *zeroconf.ServiceEntry) error {
	r.mu.Lock()
	r.ctxs = append(r.ctxs, ctx)
	r.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return nil
}

func (r *ctxResolver) latest() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctxs[len(r.ctxs)-1]
}

func TestRestartDiscovery_SessionOutlivesRequest(t *testing.T) {
	env := testServer(t, "", nil)
	res := &ctxResolver{}
	browser := discovery.NewBrowser(func() (discovery.Resolver, error) { return res, nil },
		discovery.BrowserConfig{}, env.registry.Observe)
	if err := browser.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer browser.Stop()

	env.srv.discovery = browser
	if w := env.do(t, http.MethodPost, "/api/v1/discovery/restart", ""); w.Code != http.StatusOK {
		t.Fatalf("restart status = %d", w.Code)
	}
	if err := res.latest().Err(); err != nil {
		t.Errorf("browse context after the request returned: %v", err)
	}
}
