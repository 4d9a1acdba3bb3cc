package agent

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// DefaultPrompt is the system prompt used when the configuration supplies
// none. It is a text/template over [PromptData].
const DefaultPrompt = `You are a database assistant for tenant {{.TenantID}}. Today is {{.Date}}.

You answer questions by calling the tools you are given. Each database tool runs
one stored procedure; call it with exactly the parameters it declares and never
invent parameter values the user did not provide. When a tool returns an error,
read it, correct the arguments and try again, or ask the user for what is missing.

Summarise results in plain language. Keep identifiers and amounts exactly as the
tools returned them. When the user asks for a spreadsheet, pass the rows you
already have to ExportToExcel and share the download link it returns.`

// PromptData is the data available to system prompt templates.
type PromptData struct {
	TenantID string
	Date     string
}

// NewPromptData returns the template data for tenant at now.
func NewPromptData(tenant string, now time.Time) PromptData {
	return PromptData{TenantID: tenant, Date: now.Format(time.DateOnly)}
}

// RenderPrompt executes tmpl with data. An empty tmpl renders [DefaultPrompt].
// References to fields PromptData does not have are errors.
func RenderPrompt(tmpl string, data PromptData) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultPrompt
	}
	t, err := template.New("system").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("agent: parse prompt: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("agent: render prompt: %w", err)
	}
	return b.String(), nil
}
