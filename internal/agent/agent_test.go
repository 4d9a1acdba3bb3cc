package agent

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/procagent/internal/db"
	"github.com/MrWong99/procagent/internal/tool"
	"github.com/MrWong99/procagent/internal/tool/builtin"
	"github.com/MrWong99/procagent/internal/tool/export"
	"github.com/MrWong99/procagent/pkg/provider/llm"
	llmmock "github.com/MrWong99/procagent/pkg/provider/llm/mock"
	"github.com/MrWong99/procagent/pkg/types"
)

func newRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	if err := builtin.Register(r, builtin.Config{Enabled: []string{builtin.NameAdd}}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return r
}

func newAgent(t *testing.T, p llm.Provider, r *tool.Registry, opts ...Option) *Agent {
	t.Helper()
	a, err := New(p, r, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func addCall(id, args string) *llm.CompletionResponse {
	return &llm.CompletionResponse{ToolCalls: []types.ToolCall{{ID: id, Name: builtin.NameAdd, Arguments: args}}}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, tool.NewRegistry()); err == nil {
		t.Error("expected error for nil provider")
	}
	if _, err := New(&llmmock.Provider{}, nil); err == nil {
		t.Error("expected error for nil registry")
	}
}

func TestChat_TextAnswer(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{Content: "Hello! How can I help?", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}}
	a := newAgent(t, p, newRegistry(t), WithSystemPrompt("be brief"), WithTemperature(0.2), WithMaxTokens(100))

	reply, err := a.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != "Hello! How can I help?" {
		t.Errorf("reply = %q", reply)
	}
	if len(p.CompleteCalls) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(p.CompleteCalls))
	}
	req := p.CompleteCalls[0].Req
	if req.SystemPrompt != "be brief" || req.Temperature != 0.2 || req.MaxTokens != 100 {
		t.Errorf("request = %+v", req)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != builtin.NameAdd {
		t.Errorf("tools offered = %+v", req.Tools)
	}

	h := a.History()
	if len(h) != 2 || h[0].Role != types.RoleUser || h[1].Role != types.RoleAssistant {
		t.Errorf("history = %+v", h)
	}
	if a.Usage().TotalTokens != 15 {
		t.Errorf("usage = %+v", a.Usage())
	}
}

func TestChat_EmptyMessage(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{}
	a := newAgent(t, p, newRegistry(t))
	if _, err := a.Chat(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
	if len(p.CompleteCalls) != 0 {
		t.Error("provider must not be called for an empty message")
	}
}

func TestChat_ToolRound(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		addCall("call_1", `{"a": 2, "b": 3}`),
		{Content: "2 + 3 = 5"},
	}}
	a := newAgent(t, p, newRegistry(t))

	reply, err := a.Chat(context.Background(), "What is 2 + 3?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != "2 + 3 = 5" {
		t.Errorf("reply = %q", reply)
	}
	if len(p.CompleteCalls) != 2 {
		t.Fatalf("Complete calls = %d, want 2", len(p.CompleteCalls))
	}

	msgs := p.CompleteCalls[1].Req.Messages
	if len(msgs) != 3 {
		t.Fatalf("second request messages = %d, want 3", len(msgs))
	}
	if msgs[1].Role != types.RoleAssistant || len(msgs[1].ToolCalls) != 1 {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	toolMsg := msgs[2]
	if toolMsg.Role != types.RoleTool || toolMsg.ToolCallID != "call_1" || toolMsg.Name != builtin.NameAdd {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, `"result": 5`) {
		t.Errorf("tool content = %q", toolMsg.Content)
	}
	if n := len(a.History()); n != 4 {
		t.Errorf("history length = %d, want 4", n)
	}
}

func TestChat_RepairsMalformedArguments(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		addCall("call_1", `{"a": 2, "b": 3`),
		{Content: "done"},
	}}
	a := newAgent(t, p, newRegistry(t))
	if _, err := a.Chat(context.Background(), "add"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	toolMsg := p.CompleteCalls[1].Req.Messages[2]
	if !strings.Contains(toolMsg.Content, `"result": 5`) {
		t.Errorf("tool content = %q, want repaired call to succeed", toolMsg.Content)
	}
}

func TestChat_NonObjectArgumentsRejected(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		addCall("call_1", `[2, 3]`),
		{Content: "sorry"},
	}}
	a := newAgent(t, p, newRegistry(t))
	if _, err := a.Chat(context.Background(), "add"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	content := p.CompleteCalls[1].Req.Messages[2].Content
	if !strings.Contains(content, "ValidationError") || !strings.Contains(content, "arguments: must be a JSON object") {
		t.Errorf("tool content = %q", content)
	}
}

func TestChat_ToolErrorRelayedToModel(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		addCall("call_1", `{"a": 2}`),
		{Content: "I need both numbers."},
	}}
	a := newAgent(t, p, newRegistry(t))
	reply, err := a.Chat(context.Background(), "add 2")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != "I need both numbers." {
		t.Errorf("reply = %q", reply)
	}
	content := p.CompleteCalls[1].Req.Messages[2].Content
	if !strings.HasPrefix(content, "Error executing add: ValidationError: add: b:") {
		t.Errorf("tool content = %q", content)
	}
}

func TestChat_ToolObserverSeesEveryDispatch(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{
			{ID: "c1", Name: builtin.NameAdd, Arguments: `{"a":1,"b":2}`},
			{ID: "c2", Name: "nope", Arguments: `{}`},
		}},
		addCall("c3", `{"a":3,"b":4}`),
		{Content: "done"},
	}}
	type seen struct {
		id      string
		success bool
	}
	var got []seen
	a := newAgent(t, p, newRegistry(t), WithToolObserver(func(call types.ToolCall, res tool.Result) {
		got = append(got, seen{call.ID, res.Success})
	}))

	if _, err := a.Chat(context.Background(), "add things"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	want := []seen{{"c1", true}, {"c2", false}, {"c3", true}}
	if !slices.Equal(got, want) {
		t.Errorf("observed = %+v, want %+v", got, want)
	}
}

func TestChat_StopsAfterRoundsWithoutProgress(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		ToolCalls: []types.ToolCall{{ID: "x", Name: "no_such_tool", Arguments: "{}"}},
	}}
	a := newAgent(t, p, newRegistry(t), WithMaxIterations(10))

	reply, err := a.Chat(context.Background(), "do something")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != ToolFailureReply {
		t.Errorf("reply = %q", reply)
	}
	if len(p.CompleteCalls) != maxNoProgress {
		t.Errorf("Complete calls = %d, want %d", len(p.CompleteCalls), maxNoProgress)
	}
	h := a.History()
	if last := h[len(h)-1]; last.Role != types.RoleAssistant || last.Content != ToolFailureReply {
		t.Errorf("last history entry = %+v", last)
	}
	if !strings.Contains(h[2].Content, "UnknownToolError: no_such_tool") {
		t.Errorf("tool content = %q", h[2].Content)
	}
}

func TestChat_SuccessResetsNoProgressCounter(t *testing.T) {
	t.Parallel()
	bad := &llm.CompletionResponse{ToolCalls: []types.ToolCall{{ID: "x", Name: "no_such_tool"}}}
	p := &llmmock.Provider{
		Responses:        []*llm.CompletionResponse{bad, bad, addCall("ok", `{"a":1,"b":1}`)},
		CompleteResponse: bad,
	}
	a := newAgent(t, p, newRegistry(t), WithMaxIterations(10))

	reply, err := a.Chat(context.Background(), "go")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != ToolFailureReply {
		t.Errorf("reply = %q", reply)
	}
	if len(p.CompleteCalls) != 6 {
		t.Errorf("Complete calls = %d, want 6", len(p.CompleteCalls))
	}
}

func TestChat_IterationLimit(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: addCall("call", `{"a":1,"b":2}`)}
	a := newAgent(t, p, newRegistry(t), WithMaxIterations(2))

	reply, err := a.Chat(context.Background(), "loop")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != IterationLimitReply {
		t.Errorf("reply = %q", reply)
	}
	if len(p.CompleteCalls) != 2 {
		t.Errorf("Complete calls = %d, want 2", len(p.CompleteCalls))
	}
}

func TestChat_CompletionError(t *testing.T) {
	t.Parallel()
	apiErr := errors.New("503 service unavailable")
	p := &llmmock.Provider{CompleteErr: apiErr}
	a := newAgent(t, p, newRegistry(t))

	_, err := a.Chat(context.Background(), "hi")
	if !errors.Is(err, apiErr) {
		t.Fatalf("err = %v, want wrapped provider error", err)
	}
	if !strings.HasPrefix(err.Error(), "agent: completion:") {
		t.Errorf("err = %q", err)
	}
}

func TestChat_CancelledBetweenToolCalls(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := &llmmock.Provider{CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		cancel()
		return addCall("c", `{"a":1,"b":1}`), nil
	}}
	a := newAgent(t, p, newRegistry(t))
	if _, err := a.Chat(ctx, "hi"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if h := a.History(); len(h) != 0 {
		t.Errorf("history after cancelled turn = %+v, want empty", h)
	}
}

func TestChat_HistoryConsistentAfterCancelledTurn(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := &llmmock.Provider{CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if req.Messages[len(req.Messages)-1].Content == "first" {
			cancel()
			return addCall("c", `{"a":1,"b":1}`), nil
		}
		return &llm.CompletionResponse{Content: "ok"}, nil
	}}
	a := newAgent(t, p, newRegistry(t))
	if _, err := a.Chat(ctx, "first"); err == nil {
		t.Fatal("cancelled turn returned no error")
	}
	if _, err := a.Chat(context.Background(), "again"); err != nil {
		t.Fatalf("second Chat: %v", err)
	}

	msgs := p.CompleteCalls[1].Req.Messages
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == types.RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				t.Errorf("tool call %q has no tool reply in %+v", tc.ID, msgs)
			}
		}
	}
	if last := msgs[len(msgs)-1]; last.Role != types.RoleUser || last.Content != "again" {
		t.Errorf("last message = %+v", last)
	}
}

func TestChat_CompletionErrorRollsBackTurn(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteErr: errors.New("boom")}
	a := newAgent(t, p, newRegistry(t))
	if _, err := a.Chat(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if h := a.History(); len(h) != 0 {
		t.Errorf("history = %+v, want empty", h)
	}
}

func TestChat_ExportUsesCachedRows(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	rows := db.RowSet{
		Columns: []string{"Name", "CustomerID"},
		Rows: []map[string]any{
			{"CustomerID": int64(1), "Name": "Smith"},
			{"CustomerID": int64(2), "Name": "Jones"},
			{"CustomerID": int64(3), "Name": "Brown"},
		},
	}
	search := &tool.Func{
		Def: tool.Spec{Name: "SearchCustomers", Description: "Search customers"},
		Fn:  func(context.Context, map[string]any) (any, error) { return rows, nil },
	}
	if err := r.Register(search); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exp, err := export.New(export.Config{
		Dir:     t.TempDir(),
		BaseURL: "http://localhost:8000",
		Now:     func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("export.New: %v", err)
	}
	if err := r.Register(exp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{ID: "s", Name: "SearchCustomers", Arguments: "{}"}}},
		{ToolCalls: []types.ToolCall{{
			ID:        "e",
			Name:      export.Name,
			Arguments: `{"data": [{"CustomerID": 1, "Name": "Smith"}], "filename": "customers"}`,
		}}},
		{Content: "Your file is ready."},
	}}
	a := newAgent(t, p, r)

	if _, err := a.Chat(context.Background(), "export all customers"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if a.Cache().Len() != 3 || a.Cache().Tool() != "SearchCustomers" {
		t.Errorf("cache = %d rows from %q", a.Cache().Len(), a.Cache().Tool())
	}
	msgs := p.CompleteCalls[2].Req.Messages
	content := msgs[len(msgs)-1].Content
	if !strings.Contains(content, `"rows_exported": 3`) {
		t.Errorf("export result = %s", content)
	}
	if !strings.Contains(content, "http://localhost:8000/download/customers.xlsx") {
		t.Errorf("export result = %s", content)
	}
	var out struct {
		Columns []string `json:"columns"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		t.Fatalf("decode export result: %v", err)
	}
	if want := []string{"Name", "CustomerID"}; !slices.Equal(out.Columns, want) {
		t.Errorf("exported columns = %v, want procedure order %v", out.Columns, want)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	rows := []map[string]any{{"id": 1}}
	r := newRegistry(t)
	_ = r.Register(&tool.Func{
		Def: tool.Spec{Name: "rows", Description: "rows"},
		Fn:  func(context.Context, map[string]any) (any, error) { return rows, nil },
	})
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{ID: "1", Name: "rows"}}},
		{Content: "one row", Usage: llm.Usage{TotalTokens: 7}},
	}}
	a := newAgent(t, p, r, WithSystemPrompt("sys"))
	if _, err := a.Chat(context.Background(), "rows please"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if a.Cache().Len() != 1 || len(a.History()) == 0 {
		t.Fatalf("expected state before reset")
	}

	a.Reset()
	if len(a.History()) != 0 || a.Cache().Len() != 0 || a.Usage() != (llm.Usage{}) {
		t.Errorf("state after reset: history=%d cache=%d usage=%+v", len(a.History()), a.Cache().Len(), a.Usage())
	}
	if a.SystemPrompt() != "sys" {
		t.Errorf("system prompt = %q, want kept", a.SystemPrompt())
	}
}

func TestContextTokens(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{TokenCount: 42}
	a := newAgent(t, p, newRegistry(t), WithSystemPrompt("sys"))
	n, err := a.ContextTokens()
	if err != nil || n != 42 {
		t.Fatalf("ContextTokens = %d, %v", n, err)
	}
	if len(p.CountTokensCalls) != 1 || p.CountTokensCalls[0].Messages[0].Role != types.RoleSystem {
		t.Errorf("CountTokens calls = %+v", p.CountTokensCalls)
	}
}

func TestMaxIterations(t *testing.T) {
	t.Parallel()
	tests := []struct{ tools, want int }{
		{0, 5}, {4, 5}, {20, 5}, {24, 6}, {40, 10}, {400, 10},
	}
	for _, tt := range tests {
		if got := MaxIterations(tt.tools); got != tt.want {
			t.Errorf("MaxIterations(%d) = %d, want %d", tt.tools, got, tt.want)
		}
	}
}

func TestFormatResult(t *testing.T) {
	t.Parallel()
	failed := tool.NewRegistry().Dispatch(context.Background(), "missing", nil)
	tests := []struct {
		name string
		res  tool.Result
		want string
	}{
		{"failure", failed, "Error executing missing: UnknownToolError: missing"},
		{"nil", tool.Result{Success: true}, "No results found."},
		{"empty string", tool.Result{Success: true, Value: ""}, "No results found."},
		{"empty rows", tool.Result{Success: true, Value: []map[string]any{}}, "No results found."},
		{"empty map", tool.Result{Success: true, Value: map[string]any{}}, "No results found."},
		{"string", tool.Result{Success: true, Value: "plain"}, "plain"},
		{"object", tool.Result{Success: true, Value: map[string]any{"result": 5}}, "{\n  \"result\": 5\n}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := "x"
			if !tt.res.Success {
				name = "missing"
			}
			if got := FormatResult(name, tt.res); got != tt.want {
				t.Errorf("FormatResult = %q, want %q", got, tt.want)
			}
		})
	}
}
