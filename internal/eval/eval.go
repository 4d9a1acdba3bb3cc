// Package eval runs scripted questions through fresh agents and scores the
// replies.
//
// A case passes when every expected tool was dispatched, every expected data
// field appears in the reply (case-insensitively) and the turn ended the way
// the case's behavior says it should. Reports are written as JSON so a later
// run can be compared against them with [Compare].
package eval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/procagent/internal/agent"
)

// Behavior is how a case's turn is expected to end.
type Behavior string

const (
	// BehaviorSuccess expects a reply without a turn error.
	BehaviorSuccess Behavior = "success"
	// BehaviorError expects the turn to fail, or the agent to give up on
	// failing tools.
	BehaviorError Behavior = "error"
	// BehaviorClarification expects a question back and no tool calls.
	BehaviorClarification Behavior = "clarification"
)

// IsValid reports whether b is a known behavior.
func (b Behavior) IsValid() bool {
	switch b {
	case BehaviorSuccess, BehaviorError, BehaviorClarification:
		return true
	}
	return false
}

// Case is one scripted question.
type Case struct {
	ID                 string   `yaml:"id"`
	Question           string   `yaml:"question"`
	ExpectedTools      []string `yaml:"expected_tools"`
	ExpectedDataFields []string `yaml:"expected_data_fields"`
	ExpectedBehavior   Behavior `yaml:"expected_behavior"`
	Description        string   `yaml:"description"`
}

// Suite is the cases file.
type Suite struct {
	// Tenant overrides the CLI's default tenant when set.
	Tenant string `yaml:"tenant"`
	Cases  []Case `yaml:"cases"`
}

// LoadSuite decodes and validates a cases file. Cases without an id get
// "case_NNN" by position; a missing behavior means [BehaviorSuccess].
func LoadSuite(r io.Reader) (*Suite, error) {
	var s Suite
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("eval: decode cases: %w", err)
	}
	if len(s.Cases) == 0 {
		return nil, errors.New("eval: no cases")
	}
	seen := make(map[string]bool, len(s.Cases))
	var errs []error
	for i := range s.Cases {
		c := &s.Cases[i]
		if c.ID == "" {
			c.ID = fmt.Sprintf("case_%03d", i+1)
		}
		if c.ExpectedBehavior == "" {
			c.ExpectedBehavior = BehaviorSuccess
		}
		if seen[c.ID] {
			errs = append(errs, fmt.Errorf("cases[%d]: duplicate id %q", i, c.ID))
		}
		seen[c.ID] = true
		if strings.TrimSpace(c.Question) == "" {
			errs = append(errs, fmt.Errorf("cases[%d] (%s): question is required", i, c.ID))
		}
		if !c.ExpectedBehavior.IsValid() {
			errs = append(errs, fmt.Errorf("cases[%d] (%s): expected_behavior %q is invalid; valid values: success, error, clarification", i, c.ID, c.ExpectedBehavior))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	return &s, nil
}

// LoadSuiteFile reads a cases file from path.
func LoadSuiteFile(path string) (*Suite, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	defer f.Close()
	return LoadSuite(f)
}

// Chatter runs one conversation turn.
type Chatter interface {
	Chat(ctx context.Context, message string) (string, error)
}

// NewChatter builds a fresh conversation for one case. onTool must be called
// with the name of every tool the conversation dispatches.
type NewChatter func(ctx context.Context, onTool func(name string)) (Chatter, error)

// Result is the scored outcome of one case.
type Result struct {
	ID                string   `json:"test_id"`
	Description       string   `json:"description,omitempty"`
	Passed            bool     `json:"passed"`
	Response          string   `json:"response"`
	ToolsCalled       []string `json:"tools_called"`
	ToolsCorrect      bool     `json:"tools_correct"`
	DataFieldsFound   []string `json:"data_fields_found"`
	DataFieldsCorrect bool     `json:"data_fields_correct"`
	BehaviorCorrect   bool     `json:"behavior_correct"`
	ResponseSeconds   float64  `json:"response_time_seconds"`
	Error             string   `json:"error,omitempty"`
	Notes             string   `json:"notes"`
}

// Score checks one finished turn against c. turnErr is the error returned by
// the turn, if any.
func Score(c Case, reply string, toolsCalled []string, turnErr error) Result {
	res := Result{
		ID:              c.ID,
		Description:     c.Description,
		Response:        reply,
		ToolsCalled:     nonNil(toolsCalled),
		DataFieldsFound: []string{},
	}
	if turnErr != nil {
		res.Error = turnErr.Error()
		if res.Response == "" {
			res.Response = res.Error
		}
	}

	var notes []string

	missingTools := missing(c.ExpectedTools, toolsCalled)
	res.ToolsCorrect = len(missingTools) == 0
	if len(missingTools) > 0 {
		notes = append(notes, "missing tools: "+strings.Join(missingTools, ", "))
	}
	if len(c.ExpectedTools) > 0 {
		if extra := missing(toolsCalled, c.ExpectedTools); len(extra) > 0 {
			notes = append(notes, "unexpected tools: "+strings.Join(extra, ", "))
		}
	}

	if turnErr == nil {
		lower := strings.ToLower(reply)
		for _, f := range c.ExpectedDataFields {
			if strings.Contains(lower, strings.ToLower(f)) {
				res.DataFieldsFound = append(res.DataFieldsFound, f)
			}
		}
	}
	res.DataFieldsCorrect = len(res.DataFieldsFound) == len(c.ExpectedDataFields)
	if absent := missing(c.ExpectedDataFields, res.DataFieldsFound); len(absent) > 0 {
		notes = append(notes, "missing data: "+strings.Join(absent, ", "))
	}

	switch c.ExpectedBehavior {
	case BehaviorError:
		res.BehaviorCorrect = turnErr != nil || reply == agent.ToolFailureReply
		if !res.BehaviorCorrect {
			notes = append(notes, "expected the turn to fail")
		}
	case BehaviorClarification:
		res.BehaviorCorrect = turnErr == nil && len(toolsCalled) == 0 && strings.Contains(reply, "?")
		if !res.BehaviorCorrect {
			notes = append(notes, "expected a clarifying question without tool calls")
		}
	default:
		res.BehaviorCorrect = turnErr == nil
		if turnErr != nil {
			notes = append(notes, "turn failed: "+turnErr.Error())
		}
	}

	res.Passed = res.ToolsCorrect && res.DataFieldsCorrect && res.BehaviorCorrect
	res.Notes = "all checks passed"
	if len(notes) > 0 {
		res.Notes = strings.Join(notes, "; ")
	}
	return res
}

// missing returns the entries of want absent from have, deduplicated, in
// want's order.
func missing(want, have []string) []string {
	var out []string
	for _, w := range want {
		if !slices.Contains(have, w) && !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// RunnerOption configures a [Runner].
type RunnerOption func(*Runner)

// WithParallelism runs up to n cases at once. Default 1.
func WithParallelism(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.parallel = n
		}
	}
}

// WithCaseTimeout bounds each case's turn. Zero means no bound.
func WithCaseTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

// WithClock replaces time.Now for response timing.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithLogger sets the progress logger. Default: slog.Default().
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// Runner evaluates cases, one fresh conversation per case.
type Runner struct {
	newChatter NewChatter
	parallel   int
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewRunner returns a Runner building conversations with newChatter.
func NewRunner(newChatter NewChatter, opts ...RunnerOption) *Runner {
	r := &Runner{newChatter: newChatter, parallel: 1, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run evaluates every case and summarises the results in case order. A case
// that fails to build its conversation is scored as a failed turn. Run only
// returns an error when ctx ends before all cases finished.
func (r *Runner) Run(ctx context.Context, cases []Case) (*Report, error) {
	results := make([]Result, len(cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel)
	for i, c := range cases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.RunCase(gctx, c)
			r.logger.Info("eval case", "id", c.ID, "passed", results[i].Passed,
				"seconds", results[i].ResponseSeconds, "notes", results[i].Notes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	return Summarize(results), nil
}

// RunCase evaluates one case in a fresh conversation.
func (r *Runner) RunCase(ctx context.Context, c Case) Result {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	var (
		tools []string
		reply string
	)
	start := r.now()
	chatter, err := r.newChatter(ctx, func(name string) { tools = append(tools, name) })
	if err == nil {
		reply, err = chatter.Chat(ctx, c.Question)
	}
	res := Score(c, reply, tools, err)
	res.ResponseSeconds = r.now().Sub(start).Seconds()
	return res
}

// Report summarises a run.
type Report struct {
	Total                  int       `json:"total_tests"`
	Passed                 int       `json:"passed"`
	Failed                 int       `json:"failed"`
	PassRate               float64   `json:"pass_rate"`
	AverageResponseSeconds float64   `json:"average_response_time_seconds"`
	GeneratedAt            time.Time `json:"generated_at,omitzero"`
	Results                []Result  `json:"results"`
}

// Summarize computes totals over results. PassRate is a percentage.
func Summarize(results []Result) *Report {
	rep := &Report{Total: len(results), Results: nonNilResults(results)}
	var seconds float64
	for _, res := range results {
		if res.Passed {
			rep.Passed++
		}
		seconds += res.ResponseSeconds
	}
	rep.Failed = rep.Total - rep.Passed
	if rep.Total > 0 {
		rep.PassRate = float64(rep.Passed) / float64(rep.Total) * 100
		rep.AverageResponseSeconds = seconds / float64(rep.Total)
	}
	return rep
}

func nonNilResults(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// Comparison lists how a run differs from a baseline, per case id.
type Comparison struct {
	Regressions  []string `json:"regression_tests"`
	Improvements []string `json:"improved_tests"`
	Unchanged    int      `json:"unchanged"`
	// Added and Removed hold ids present in only one of the two runs.
	Added   []string `json:"added_tests"`
	Removed []string `json:"removed_tests"`
}

// HasRegressions reports whether any case passed in the baseline and fails
// now.
func (c Comparison) HasRegressions() bool { return len(c.Regressions) > 0 }

// Compare matches current against baseline by case id. Every list is sorted.
func Compare(baseline, current *Report) Comparison {
	before := make(map[string]bool, len(baseline.Results))
	for _, r := range baseline.Results {
		before[r.ID] = r.Passed
	}
	cmpRes := Comparison{
		Regressions:  []string{},
		Improvements: []string{},
		Added:        []string{},
		Removed:      []string{},
	}
	now := make(map[string]bool, len(current.Results))
	for _, r := range current.Results {
		now[r.ID] = r.Passed
		was, ok := before[r.ID]
		switch {
		case !ok:
			cmpRes.Added = append(cmpRes.Added, r.ID)
		case was && !r.Passed:
			cmpRes.Regressions = append(cmpRes.Regressions, r.ID)
		case !was && r.Passed:
			cmpRes.Improvements = append(cmpRes.Improvements, r.ID)
		default:
			cmpRes.Unchanged++
		}
	}
	for id := range before {
		if _, ok := now[id]; !ok {
			cmpRes.Removed = append(cmpRes.Removed, id)
		}
	}
	for _, s := range [][]string{cmpRes.Regressions, cmpRes.Improvements, cmpRes.Added, cmpRes.Removed} {
		slices.Sort(s)
	}
	return cmpRes
}
