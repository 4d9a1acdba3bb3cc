package procedure

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/MrWong99/procagent/internal/db"
	"github.com/MrWong99/procagent/internal/db/mock"
	"github.com/MrWong99/procagent/internal/tool"
)

var customerInfo = Definition{
	Name:        "get_customer_info",
	Description: "Retrieves customer profile summary.",
	Procedure:   "CustomerProfileSummary",
	Parameters: []tool.ParameterSpec{
		{Name: "customer_id", Type: tool.ParamInteger, Description: "The customer ID", Required: true},
		{Name: "include_orders", Type: tool.ParamBoolean},
	},
}

func register(t *testing.T, def Definition, a db.Adapter) *tool.Registry {
	t.Helper()
	pt, err := New(def, a)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := tool.NewRegistry()
	if err := r.Register(pt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func TestDispatch_CoercedIntegerReachesAdapter(t *testing.T) {
	t.Parallel()
	a := &mock.Adapter{Result: &db.Result{
		Columns: []string{"CustomerID", "Name"},
		Rows:    [][]any{{int64(12345), "Ada"}},
	}}
	r := register(t, customerInfo, a)

	res := r.Dispatch(context.Background(), "get_customer_info", map[string]any{"customer_id": "12345"})
	if !res.Success {
		t.Fatalf("Dispatch failed: %s", res.Error)
	}

	call := a.LastCall()
	if call.Name != "CustomerProfileSummary" {
		t.Errorf("procedure = %q", call.Name)
	}
	want := []db.Param{{Name: "customer_id", Value: int64(12345)}}
	if !reflect.DeepEqual(call.Params, want) {
		t.Errorf("params = %#v, want %#v", call.Params, want)
	}
	rows, ok := res.Value.(db.RowSet)
	if !ok || rows.Len() != 1 || rows.Rows[0]["Name"] != "Ada" {
		t.Errorf("value = %#v", res.Value)
	}
	if !reflect.DeepEqual(rows.Columns, []string{"CustomerID", "Name"}) {
		t.Errorf("columns = %v, want procedure order", rows.Columns)
	}
}

func TestDispatch_MissingRequiredNeverTouchesAdapter(t *testing.T) {
	t.Parallel()
	a := &mock.Adapter{}
	r := register(t, customerInfo, a)

	res := r.Dispatch(context.Background(), "get_customer_info", map[string]any{})
	var verr *tool.ValidationError
	if !errors.As(res.Err(), &verr) {
		t.Fatalf("Err() = %v, want ValidationError", res.Err())
	}
	if got := verr.Params(); !reflect.DeepEqual(got, []string{"customer_id"}) {
		t.Errorf("Params() = %v", got)
	}
	if a.CallCount() != 0 {
		t.Errorf("adapter called %d times", a.CallCount())
	}
}

func TestExecute_DeclaredOrder(t *testing.T) {
	t.Parallel()
	def := Definition{
		Name: "search",
		Parameters: []tool.ParameterSpec{
			{Name: "region", Type: tool.ParamString},
			{Name: "limit", Type: tool.ParamInteger},
			{Name: "active", Type: tool.ParamBoolean},
		},
	}
	a := &mock.Adapter{}
	r := register(t, def, a)

	res := r.Dispatch(context.Background(), "search", map[string]any{"active": true, "region": "EU", "limit": 5})
	if !res.Success {
		t.Fatalf("Dispatch failed: %s", res.Error)
	}
	var names []string
	for _, p := range a.LastCall().Params {
		names = append(names, p.Name)
	}
	if !reflect.DeepEqual(names, []string{"region", "limit", "active"}) {
		t.Errorf("param order = %v", names)
	}
	if a.LastCall().Name != "search" {
		t.Errorf("procedure defaulted to %q, want tool name", a.LastCall().Name)
	}
}

func TestExecute_ResultShapes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	pt, err := New(customerInfo, &mock.Adapter{Result: &db.Result{RowsAffected: 2}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := pt.Execute(ctx, map[string]any{"customer_id": int64(1)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]any{"rows_affected": int64(2)}) {
		t.Errorf("no-result-set value = %#v", got)
	}

	pt, _ = New(customerInfo, &mock.Adapter{Result: &db.Result{Columns: []string{"x"}}})
	got, err = pt.Execute(ctx, map[string]any{"customer_id": int64(1)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rows, ok := got.(db.RowSet); !ok || rows.Len() != 0 {
		t.Errorf("empty result set value = %#v", got)
	}
}

func TestDispatch_AdapterErrorsPreserved(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "connection",
			err:  &db.ConnectionError{Op: "ping", Err: errors.New("login timeout expired")},
			want: "ToolExecutionError: get_customer_info: database connection error: ping: login timeout expired",
		},
		{
			name: "procedure",
			err:  &db.ProcedureError{Procedure: "CustomerProfileSummary", Err: errors.New("Customer not found")},
			want: "ToolExecutionError: get_customer_info: procedure CustomerProfileSummary failed: Customer not found",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := register(t, customerInfo, &mock.Adapter{Err: tc.err})
			res := r.Dispatch(context.Background(), "get_customer_info", map[string]any{"customer_id": 7})
			if res.Error != tc.want {
				t.Errorf("Error = %q, want %q", res.Error, tc.want)
			}
			var execErr *tool.ToolExecutionError
			if !errors.As(res.Err(), &execErr) || !errors.Is(res.Err(), tc.err) {
				t.Errorf("Err() = %v, want ToolExecutionError wrapping adapter error", res.Err())
			}
		})
	}
}

func TestNew_Rejects(t *testing.T) {
	t.Parallel()
	if _, err := New(customerInfo, nil); err == nil {
		t.Error("nil adapter accepted")
	}
	bad := customerInfo
	bad.Procedure = "x; DROP TABLE customers"
	if _, err := New(bad, &mock.Adapter{}); !errors.Is(err, tool.ErrInvalidSpec) || !errors.Is(err, db.ErrInvalidProcedureName) {
		t.Errorf("bad procedure err = %v", err)
	}
}

func TestTool_DoesNotCloseAdapter(t *testing.T) {
	t.Parallel()
	a := &mock.Adapter{}
	r := register(t, customerInfo, a)
	r.Unregister("get_customer_info")
	if a.Closed {
		t.Error("adapter closed by tool lifecycle")
	}
}
