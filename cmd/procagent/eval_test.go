package main

import (
	"bytes"
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/MrWong99/procagent/internal/app"
	"github.com/MrWong99/procagent/internal/config"
	"github.com/MrWong99/procagent/internal/eval"
	"github.com/MrWong99/procagent/internal/tool/builtin"
	"github.com/MrWong99/procagent/pkg/provider/llm"
	llmmock "github.com/MrWong99/procagent/pkg/provider/llm/mock"
	"github.com/MrWong99/procagent/pkg/types"
)

func newEvalApp(t *testing.T, provider llm.Provider) *app.App {
	t.Helper()
	cfg := &config.Config{
		Builtin: config.BuiltinConfig{Enabled: []string{builtin.NameAdd}},
		Export:  config.ExportConfig{Disabled: true},
	}
	config.ApplyDefaults(cfg)
	a, err := app.New(context.Background(), cfg, provider)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestAgentChatter_RecordsDispatchedTools(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{ID: "1", Name: builtin.NameAdd, Arguments: `{"a":2,"b":3}`}}},
		{Content: "The answer is 5."},
	}}
	a := newEvalApp(t, p)

	rep, err := eval.NewRunner(agentChatter(a, "acme")).Run(context.Background(), []eval.Case{{
		ID:                 "sum",
		Question:           "What is 2 + 3?",
		ExpectedTools:      []string{builtin.NameAdd},
		ExpectedDataFields: []string{"5"},
		ExpectedBehavior:   eval.BehaviorSuccess,
	}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := rep.Results[0]
	if !res.Passed {
		t.Errorf("case failed: %s", res.Notes)
	}
	if !reflect.DeepEqual(res.ToolsCalled, []string{builtin.NameAdd}) {
		t.Errorf("tools called = %v", res.ToolsCalled)
	}
}

func TestAgentChatter_NoProvider(t *testing.T) {
	t.Parallel()
	a := newEvalApp(t, nil)
	_, err := agentChatter(a, "acme")(context.Background(), func(string) {})
	if err == nil || !strings.Contains(err.Error(), "llm provider") {
		t.Errorf("err = %v", err)
	}
}

func TestPrintReportAndComparison(t *testing.T) {
	t.Parallel()
	rep := eval.Summarize([]eval.Result{
		{ID: "a", Passed: true, ToolsCalled: []string{"SearchCustomers"}, ResponseSeconds: 1.5, Notes: "all checks passed"},
		{ID: "b", Passed: false, ResponseSeconds: 0.5, Notes: "missing data: invoice"},
	})
	var buf bytes.Buffer
	if err := printReport(&buf, rep); err != nil {
		t.Fatalf("printReport: %v", err)
	}
	printComparison(&buf, eval.Comparison{Regressions: []string{"b"}, Unchanged: 1, Added: []string{}})

	out := buf.String()
	for _, want := range []string{
		"a     PASS",
		"SearchCustomers",
		"missing data: invoice",
		"2 cases: 1 passed, 1 failed (50.0%), avg 1.00s",
		"1 regressed, 0 improved, 1 unchanged",
		"regressed: b",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "new:") {
		t.Errorf("empty list printed:\n%s", out)
	}
}
