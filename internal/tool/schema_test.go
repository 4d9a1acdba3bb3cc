package tool

import (
	"encoding/json"
	"reflect"
	"testing"
)

var weatherSpec = Spec{
	Name:        "get_weather",
	Description: "Current weather for a city.",
	Parameters: []ParameterSpec{
		{Name: "city", Type: ParamString, Description: "City name", Required: true},
		{Name: "units", Type: ParamString, Enum: []string{"metric", "imperial"}},
		{Name: "days", Type: ParamInteger, Enum: []string{"1", "3"}},
	},
}

func TestArgumentsSchema(t *testing.T) {
	t.Parallel()
	schema := ArgumentsSchema(weatherSpec)

	if schema["type"] != "object" {
		t.Errorf("type = %v", schema["type"])
	}
	if schema["additionalProperties"] != false {
		t.Error("additionalProperties should be false")
	}
	if req := schema["required"]; !reflect.DeepEqual(req, []string{"city"}) {
		t.Errorf("required = %v", req)
	}
	props := schema["properties"].(map[string]any)
	days := props["days"].(map[string]any)
	if !reflect.DeepEqual(days["enum"], []any{int64(1), int64(3)}) {
		t.Errorf("integer enum = %#v, want typed values", days["enum"])
	}
	city := props["city"].(map[string]any)
	if city["description"] != "City name" || city["type"] != "string" {
		t.Errorf("city = %v", city)
	}
}

func TestArgumentsSchema_NoParameters(t *testing.T) {
	t.Parallel()
	raw, err := json.Marshal(ArgumentsSchema(Spec{Name: "now"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"additionalProperties":false,"properties":{},"required":[],"type":"object"}`
	if string(raw) != want {
		t.Errorf("schema = %s, want %s", raw, want)
	}
}

func TestParametersFromSchema_RoundTrip(t *testing.T) {
	t.Parallel()
	raw, err := json.Marshal(ArgumentsSchema(weatherSpec))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	params, ok := ParametersFromSchema(decoded)
	if !ok {
		t.Fatal("ParametersFromSchema rejected a primitive schema")
	}
	want := []ParameterSpec{
		{Name: "city", Type: ParamString, Description: "City name", Required: true},
		{Name: "days", Type: ParamInteger, Enum: []string{"1", "3"}},
		{Name: "units", Type: ParamString, Enum: []string{"metric", "imperial"}},
	}
	if !reflect.DeepEqual(params, want) {
		t.Errorf("params =\n%+v\nwant\n%+v", params, want)
	}
}

func TestParametersFromSchema_RejectsStructuredTypes(t *testing.T) {
	t.Parallel()
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ids": map[string]any{"type": "array"},
		},
	}
	if _, ok := ParametersFromSchema(schema); ok {
		t.Error("array property should be rejected")
	}
}
