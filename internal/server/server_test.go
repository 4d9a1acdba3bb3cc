package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/procagent/internal/app"
	"github.com/MrWong99/procagent/internal/config"
	"github.com/MrWong99/procagent/internal/db"
	dbmock "github.com/MrWong99/procagent/internal/db/mock"
	"github.com/MrWong99/procagent/internal/server"
	"github.com/MrWong99/procagent/internal/tool"
	"github.com/MrWong99/procagent/internal/tool/builtin"
	"github.com/MrWong99/procagent/internal/tool/procedure"
	"github.com/MrWong99/procagent/pkg/provider/llm"
	llmmock "github.com/MrWong99/procagent/pkg/provider/llm/mock"
)

var fixedNow = func() time.Time { return time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC) }

type fixture struct {
	app     *app.App
	handler http.Handler
	adapter *dbmock.Adapter
}

func newFixture(t *testing.T, provider llm.Provider, opts ...server.Option) *fixture {
	t.Helper()
	cfg := &config.Config{
		Builtin: config.BuiltinConfig{Enabled: []string{builtin.NameAdd}},
		Export:  config.ExportConfig{Dir: t.TempDir()},
		Tools: []procedure.Definition{{
			Name:        "SearchCustomers",
			Description: "Search customers by last name",
			Parameters:  []tool.ParameterSpec{{Name: "LastName", Type: tool.ParamString, Required: true}},
		}},
	}
	config.ApplyDefaults(cfg)

	adapter := &dbmock.Adapter{
		CallFunc: func(ctx context.Context, name string, params []db.Param) (*db.Result, error) {
			tenant, _ := db.TenantFromContext(ctx)
			return &db.Result{Columns: []string{"Tenant"}, Rows: [][]any{{tenant}}}, nil
		},
	}
	a, err := app.New(context.Background(), cfg, provider, app.WithAdapter(adapter), app.WithClock(fixedNow))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	opts = append([]server.Option{server.WithClock(fixedNow)}, opts...)
	srv, err := server.New(context.Background(), a, opts...)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	return &fixture{app: a, handler: srv.Handler(), adapter: adapter}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestChat_SessionLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hello!"}})

	rec := f.do(t, http.MethodPost, "/chat", map[string]string{"message": "hi", "tenantId": "acme"})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d, body %s", rec.Code, rec.Body)
	}
	chat := decodeBody[map[string]string](t, rec)
	if chat["response"] != "Hello!" || chat["timestamp"] != "2024-03-15T09:00:00Z" {
		t.Errorf("chat = %v", chat)
	}
	id := chat["sessionId"]
	if !strings.HasPrefix(id, "acme_") {
		t.Fatalf("sessionId = %q, want acme_ prefix", id)
	}

	rec = f.do(t, http.MethodPost, "/chat", map[string]string{"message": "again", "tenantId": "acme", "sessionId": id})
	if got := decodeBody[map[string]string](t, rec)["sessionId"]; got != id {
		t.Errorf("second turn sessionId = %q, want %q", got, id)
	}

	rec = f.do(t, http.MethodGet, "/sessions", nil)
	list := decodeBody[struct {
		Sessions []struct {
			ID       string `json:"sessionId"`
			Tenant   string `json:"tenantId"`
			Messages int    `json:"messages"`
		} `json:"sessions"`
		Count int `json:"count"`
	}](t, rec)
	if list.Count != 1 || list.Sessions[0].ID != id || list.Sessions[0].Tenant != "acme" || list.Sessions[0].Messages == 0 {
		t.Errorf("sessions = %+v", list)
	}

	if rec := f.do(t, http.MethodPost, "/reset", map[string]string{"sessionId": id}); rec.Code != http.StatusOK {
		t.Errorf("reset status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/session/"+id, nil); rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/session/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/reset", map[string]string{"sessionId": id})
	if rec.Code != http.StatusNotFound {
		t.Errorf("reset deleted status = %d, want 404", rec.Code)
	}
	if got := decodeBody[map[string]string](t, rec)["detail"]; got != "Session not found" {
		t.Errorf("detail = %q", got)
	}
}

func TestChat_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}})

	rec := f.do(t, http.MethodPost, "/chat", map[string]string{"message": "hi", "tenantId": "acme"})
	id := decodeBody[map[string]string](t, rec)["sessionId"]

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"empty body", nil, http.StatusBadRequest},
		{"malformed", "{not json", http.StatusBadRequest},
		{"no message", map[string]string{"tenantId": "acme"}, http.StatusBadRequest},
		{"no tenant", map[string]string{"message": "hi"}, http.StatusBadRequest},
		{"bad tenant", map[string]string{"message": "hi", "tenantId": "no spaces allowed"}, http.StatusBadRequest},
		{"foreign session", map[string]string{"message": "hi", "tenantId": "globex", "sessionId": id}, http.StatusForbidden},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodPost, "/chat", tt.body)
		if rec.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d (body %s)", tt.name, rec.Code, tt.wantStatus, rec.Body)
		}
		if got := decodeBody[map[string]string](t, rec)["detail"]; got == "" {
			t.Errorf("%s: missing detail", tt.name)
		}
	}
}

func TestChat_ProviderFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &llmmock.Provider{CompleteErr: errors.New("rate limited")})

	rec := f.do(t, http.MethodPost, "/chat", map[string]string{"message": "hi", "tenantId": "acme"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	detail := decodeBody[map[string]string](t, rec)["detail"]
	if !strings.HasPrefix(detail, "Error processing message: ") || !strings.Contains(detail, "rate limited") {
		t.Errorf("detail = %q", detail)
	}
}

func TestChat_NoProvider(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/chat", map[string]string{"message": "hi", "tenantId": "acme"})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestTools(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/tools", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	tools := decodeBody[struct {
		Tools []tool.Spec `json:"tools"`
		Count int         `json:"count"`
	}](t, rec)
	var names []string
	for _, s := range tools.Tools {
		names = append(names, s.Name)
	}
	if tools.Count != 3 || strings.Join(names, ",") != "add,ExportToExcel,SearchCustomers" {
		t.Errorf("tools = %v (count %d)", names, tools.Count)
	}

	rec = f.do(t, http.MethodGet, "/tools/catalog", nil)
	defs := decodeBody[struct {
		Tools []struct {
			Name       string         `json:"name"`
			Parameters map[string]any `json:"parameters"`
		} `json:"tools"`
	}](t, rec)
	if len(defs.Tools) != 3 {
		t.Fatalf("definitions = %+v", defs)
	}
	last := defs.Tools[2]
	if last.Name != "SearchCustomers" || last.Parameters["type"] != "object" {
		t.Errorf("definition = %+v", last)
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body any
		want string
	}{
		{
			"object arguments",
			map[string]any{"tool_name": "add", "arguments": map[string]any{"a": 2, "b": 3}},
			`{"success":true,"value":{"result":5},"error":null}`,
		},
		{
			"string arguments",
			map[string]any{"tool_name": "add", "arguments": `{"a": 2, "b": 3}`},
			`{"success":true,"value":{"result":5},"error":null}`,
		},
		{
			"procedure routed to tenant",
			map[string]any{"tool_name": "SearchCustomers", "arguments": map[string]any{"LastName": "Smith"}, "tenantId": "acme"},
			`{"success":true,"value":[{"Tenant":"acme"}],"error":null}`,
		},
		{
			"procedure on default tenant",
			map[string]any{"tool_name": "SearchCustomers", "arguments": map[string]any{"LastName": "Smith"}},
			`{"success":true,"value":[{"Tenant":"default"}],"error":null}`,
		},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodPost, "/dispatch", tt.body)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", tt.name, rec.Code)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != tt.want {
			t.Errorf("%s: body = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestDispatch_Failures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/dispatch", map[string]any{"tool_name": "teleport"})
	if rec.Code != http.StatusOK {
		t.Errorf("unknown tool status = %d, want 200", rec.Code)
	}
	res := decodeBody[map[string]any](t, rec)
	if res["success"] != false || !strings.Contains(res["error"].(string), "teleport") {
		t.Errorf("unknown tool result = %v", res)
	}

	rec = f.do(t, http.MethodPost, "/dispatch", map[string]any{"tool_name": "SearchCustomers", "arguments": map[string]any{}})
	res = decodeBody[map[string]any](t, rec)
	if res["success"] != false || !strings.Contains(res["error"].(string), "LastName") {
		t.Errorf("validation result = %v", res)
	}
	if f.adapter.CallCount() != 0 {
		t.Errorf("adapter called %d times for invalid arguments", f.adapter.CallCount())
	}

	for _, body := range []any{
		map[string]any{"arguments": map[string]any{}},
		map[string]any{"tool_name": "add", "tenantId": "../etc"},
		"[]",
	} {
		if rec := f.do(t, http.MethodPost, "/dispatch", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestDownload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if err := os.WriteFile(filepath.Join(f.app.Exporter().Dir(), "report.xlsx"), []byte("workbook"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodGet, "/download/report.xlsx", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "workbook" {
		t.Errorf("body = %q", rec.Body)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="report.xlsx"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/vnd.openxmlformats") {
		t.Errorf("Content-Type = %q", ct)
	}

	if rec := f.do(t, http.MethodGet, "/download/missing.xlsx", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing file status = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/download/notes.txt", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("non-xlsx status = %d, want 400", rec.Code)
	}
}

func TestCatalogRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPut, "/catalog/acme/RecentPayments", map[string]any{
		"description": "Payments of the last days",
		"parameters":  []map[string]any{{"name": "Days", "type": "integer", "required": true}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, "/catalog/acme", nil)
	list := decodeBody[struct {
		Entries []struct {
			Name    string `json:"name"`
			Tenant  string `json:"tenant"`
			Enabled bool   `json:"enabled"`
		} `json:"entries"`
		Count int `json:"count"`
	}](t, rec)
	if list.Count != 1 || list.Entries[0].Name != "RecentPayments" || list.Entries[0].Tenant != "acme" || !list.Entries[0].Enabled {
		t.Errorf("catalog = %+v", list)
	}

	if body := f.do(t, http.MethodGet, "/tools/acme", nil).Body.String(); !strings.Contains(body, `"RecentPayments"`) {
		t.Errorf("acme tools missing new procedure: %s", body)
	}
	if body := f.do(t, http.MethodGet, "/tools/globex", nil).Body.String(); strings.Contains(body, `"RecentPayments"`) {
		t.Errorf("procedure leaked to globex: %s", body)
	}

	rec = f.do(t, http.MethodGet, "/catalog/*", nil)
	if got := decodeBody[map[string]any](t, rec)["count"]; got != float64(1) {
		t.Errorf("shared count = %v, want 1", got)
	}

	rec = f.do(t, http.MethodPut, "/catalog/acme/Broken", map[string]any{
		"parameters": []map[string]any{{"name": "bad name", "type": "string"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid definition status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/catalog/bad%20tenant", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad tenant status = %d, want 400", rec.Code)
	}

	if rec := f.do(t, http.MethodDelete, "/catalog/acme/RecentPayments", nil); rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	if body := f.do(t, http.MethodGet, "/tools/acme", nil).Body.String(); strings.Contains(body, `"RecentPayments"`) {
		t.Errorf("deleted procedure still offered: %s", body)
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	f := newFixture(t, nil, server.WithMetricsHandler("/metrics", metrics))

	tests := []struct {
		path     string
		wantBody string
	}{
		{"/", `"status":"online"`},
		{"/health", `"timestamp":"2024-03-15T09:00:00Z"`},
		{"/readyz", `"database":"ok"`},
		{"/metrics", "# metrics"},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodGet, tt.path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d", tt.path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), tt.wantBody) {
			t.Errorf("GET %s body = %s", tt.path, rec.Body)
		}
	}
}
