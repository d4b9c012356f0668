package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"rdpguard/internal/api/dto"
	"rdpguard/internal/audit"
	"rdpguard/internal/auth"
	"rdpguard/internal/blacklist"
	"rdpguard/internal/domain"
	"rdpguard/internal/enforcer"
	"rdpguard/internal/firewall"
	"rdpguard/internal/monitor"
	"rdpguard/internal/whitelist"
)

type memoryPrefs struct {
	enabled bool
	list    []string
}

func (p *memoryPrefs) WhitelistEnabled() bool { return p.enabled }
func (p *memoryPrefs) SetWhitelistEnabled(v bool) error {
	p.enabled = v
	return nil
}
func (p *memoryPrefs) AllowedAddresses() []string { return append([]string(nil), p.list...) }
func (p *memoryPrefs) SmartSubnetBlocking() bool { return false }
func (p *memoryPrefs) SetAllowedAddresses(l []string) error {
	p.list = append([]string(nil), l...)
	return nil
}

const netstatRows = `
  TCP    10.0.0.5:3389          203.0.113.9:51514      ESTABLISHED     4321
  TCP    10.0.0.5:3389          198.51.100.20:6000     ESTABLISHED     5100
  TCP    0.0.0.0:135            0.0.0.0:0              LISTENING       1012
`

func scriptedCommands(_ context.Context, name string, args ...string) ([]byte, error) {
	if name == "netstat" {
		return []byte(netstatRows), nil
	}
	return []byte("SUCCESS"), nil
}

type stillTicker struct{ c chan time.Time }

func (t stillTicker) C() <-chan time.Time { return t.c }
func (stillTicker) Reset(time.Duration) {}
func (stillTicker) Stop() {}

type testAPI struct {
	handler http.Handler
	store   *firewall.MemoryStore
	token   string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	auth.SetSigningKey([]byte("server-test-key"))
	if err := auth.SetAdminPassword("s3cret"); err != nil {
		t.Fatalf("SetAdminPassword returned %v", err)
	}
	token, err := auth.GenerateJWT(auth.AdminRole)
	if err != nil {
		t.Fatalf("GenerateJWT returned %v", err)
	}

	store := firewall.NewMemoryStore()
	policy := firewall.NewPolicy(store)
	prefs := &memoryPrefs{}
	ports := whitelist.PortFunc(func(context.Context) (int, error) { return 3389, nil })

	source := audit.SourceFunc(func(context.Context, time.Duration) ([]domain.LoginAttempt, error) {
		return []domain.LoginAttempt{
			{Address: "203.0.113.5", Username: "admin"},
			{Address: "203.0.113.5", Username: "admin"},
			{Address: "198.51.100.1", Username: "bob", IsSuccess: true},
		}, nil
	})

	table := enforcer.NewConnectionEnforcer(scriptedCommands)
	bl := blacklist.NewEngine(blacklist.Options{
		Policy:      policy,
		Source:      source,
		Enforcer:    table,
		Preferences: prefs,
		LocalAddresses: func() ([]netip.Addr, error) {
			return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, nil
		},
	})
	wl := whitelist.NewEngine(policy, prefs, ports)
	sched := monitor.New(func(context.Context) error { return nil }, monitor.Options{
		Interval:  10 * time.Minute,
		NewTicker: func(time.Duration) monitor.Ticker { return stillTicker{c: make(chan time.Time)} },
	})

	srv := New(Deps{Blacklist: bl, Whitelist: wl, Scheduler: sched, Connections: table, Source: source, Ports: ports})
	return &testAPI{handler: srv.Handler(), store: store, token: token}
}

func (a *testAPI) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func TestLoginRoute(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"password":"nope"}`))
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"password":"s3cret"}`))
	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200", rec.Code)
	}
	var resp dto.TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Token == "" {
		t.Fatalf("login response = %q, err %v", rec.Body.String(), err)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/blacklist", nil)
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestBlacklistRoutes(t *testing.T) {
	api := newTestAPI(t)

	if rec := api.do(t, http.MethodPost, "/blacklist", `{"address":"203.0.113.9"}`); rec.Code != http.StatusCreated {
		t.Fatalf("block status = %d, want 201 (%s)", rec.Code, rec.Body.String())
	}
	if rec := api.do(t, http.MethodPost, "/blacklist", `{"address":"203.0.113.9"}`); rec.Code != http.StatusOK {
		t.Fatalf("repeat block status = %d, want 200", rec.Code)
	}
	if rec := api.do(t, http.MethodPost, "/blacklist", `{"address":"not-an-ip"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid block status = %d, want 400", rec.Code)
	}
	if rec := api.do(t, http.MethodPost, "/blacklist", `{"address":"10.0.0.1"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("local block status = %d, want 400", rec.Code)
	}

	rec := api.do(t, http.MethodGet, "/blacklist", "")
	var list dto.AddressList
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode blacklist: %v", err)
	}
	if list.Count != 1 || list.Addresses[0] != "203.0.113.9" {
		t.Fatalf("blacklist = %+v, want [203.0.113.9]", list)
	}

	if rec := api.do(t, http.MethodDelete, "/blacklist?address=203.0.113.9", ""); rec.Code != http.StatusOK {
		t.Fatalf("unblock status = %d, want 200", rec.Code)
	}
	if _, ok := api.store.Rule(firewall.BlockRule); ok {
		t.Fatal("block rule still present after last address removed")
	}
}

func TestStoreErrorsMapToStatus(t *testing.T) {
	api := newTestAPI(t)

	api.store.SetFailure(firewall.ErrPermission)
	if rec := api.do(t, http.MethodPost, "/blacklist", `{"address":"203.0.113.9"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("permission failure status = %d, want 403", rec.Code)
	}

	api.store.SetFailure(firewall.ErrUnavailable)
	if rec := api.do(t, http.MethodPost, "/blacklist", `{"address":"203.0.113.9"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unavailable failure status = %d, want 503", rec.Code)
	}
}

func TestScanRouteRejectsOverlap(t *testing.T) {
	api := newTestAPI(t)

	if rec := api.do(t, http.MethodPost, "/blacklist/scan", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("first scan status = %d, want 202", rec.Code)
	}
	// The scheduler is not started, so the first request stays in flight.
	if rec := api.do(t, http.MethodPost, "/blacklist/scan", ""); rec.Code != http.StatusConflict {
		t.Fatalf("second scan status = %d, want 409", rec.Code)
	}
}

func TestWhitelistRoutes(t *testing.T) {
	api := newTestAPI(t)

	if rec := api.do(t, http.MethodPost, "/whitelist", `{"address":"198.51.100.7"}`); rec.Code != http.StatusCreated {
		t.Fatalf("allow status = %d, want 201 (%s)", rec.Code, rec.Body.String())
	}
	if rec := api.do(t, http.MethodPut, "/whitelist/enabled", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing enabled status = %d, want 400", rec.Code)
	}
	if rec := api.do(t, http.MethodPut, "/whitelist/enabled", `{"enabled":true}`); rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d, want 200", rec.Code)
	}

	rule, ok := api.store.Rule(firewall.AllowRuleTCP)
	if !ok || rule.RemoteAddresses != "198.51.100.7" {
		t.Fatalf("TCP allow rule = %+v, want scope 198.51.100.7", rule)
	}
	if api.store.ServiceGroupEnabled() {
		t.Fatal("service group enabled while allow-list enforced")
	}

	if rec := api.do(t, http.MethodPost, "/restoreDefaults", ""); rec.Code != http.StatusOK {
		t.Fatalf("restore status = %d, want 200", rec.Code)
	}
	rule, _ = api.store.Rule(firewall.AllowRuleTCP)
	if rule.RemoteAddresses != "*" || !api.store.ServiceGroupEnabled() {
		t.Fatalf("after restore rule = %+v, group %v", rule, api.store.ServiceGroupEnabled())
	}
}

func TestStatsRoute(t *testing.T) {
	api := newTestAPI(t)

	if rec := api.do(t, http.MethodGet, "/stats?hours=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid hours status = %d, want 400", rec.Code)
	}

	rec := api.do(t, http.MethodGet, "/stats?hours=6", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", rec.Code)
	}
	var summary struct {
		WindowHours int `json:"window_hours"`
		Failed      int `json:"failed"`
		Succeeded   int `json:"succeeded"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if summary.WindowHours != 6 || summary.Failed != 2 || summary.Succeeded != 1 {
		t.Fatalf("stats = %+v, want 6h 2 failed 1 succeeded", summary)
	}
}

func TestStatusRoute(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/blacklist", `{"address":"203.0.113.9"}`)

	rec := api.do(t, http.MethodGet, "/status", "")
	var info dto.DashboardInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !info.Managed || info.BlockedCount != 1 || info.Port != 3389 || info.MonitorIntervalMinutes != 10 {
		t.Fatalf("status = %+v", info)
	}
}

func TestSaveSettingsRejectsInvalidAllowList(t *testing.T) {
	api := newTestAPI(t)

	body := `{"whitelist":{"enabled":true,"addresses":["1.2.3.4","not-an-ip"]}}`
	if rec := api.do(t, http.MethodPut, "/settings", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (%s)", rec.Code, rec.Body.String())
	}
	if api.store.Writes() != 0 {
		t.Fatalf("store saw %d writes, want 0", api.store.Writes())
	}
}

func TestCanonicalAllowList(t *testing.T) {
	got, err := canonicalAllowList([]string{" ::ffff:1.2.3.4 ", "10.0.0.0/255.255.255.0"})
	if err != nil {
		t.Fatalf("canonicalAllowList returned %v", err)
	}
	if want := []string{"1.2.3.4", "10.0.0.0/24"}; strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("canonicalAllowList = %v, want %v", got, want)
	}
}

func TestConnectionRoutes(t *testing.T) {
	api := newTestAPI(t)
	if rec := api.do(t, http.MethodPost, "/blacklist", `{"address":"203.0.113.0/24"}`); rec.Code != http.StatusCreated {
		t.Fatalf("block status = %d, want 201", rec.Code)
	}

	rec := api.do(t, http.MethodGet, "/connections", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("connections status = %d, want 200", rec.Code)
	}
	var resp struct {
		Connections []enforcer.Connection `json:"connections"`
		Count       int                   `json:"count"`
		Blocked     int                   `json:"blocked"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode connections: %v", err)
	}
	if resp.Count != 2 || resp.Blocked != 1 {
		t.Fatalf("connections = %+v, want 2 rows with 1 blocked", resp)
	}
	if !resp.Connections[0].Blocked || resp.Connections[0].PID != 4321 {
		t.Fatalf("first connection = %+v, want blocked pid 4321", resp.Connections[0])
	}

	if rec := api.do(t, http.MethodDelete, "/connections?pid=5100", ""); rec.Code != http.StatusOK {
		t.Fatalf("kill status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if rec := api.do(t, http.MethodDelete, "/connections?pid=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid pid status = %d, want 400", rec.Code)
	}
	if rec := api.do(t, http.MethodDelete, "/connections?pid=4", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("system pid status = %d, want 403", rec.Code)
	}
}
