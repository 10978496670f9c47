package extract

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

const marker = "__SAFE_EVAL_0123456789abcdef"

func TestValue(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   any
		wantOK bool
	}{
		{"integer", marker + `{"returnValue": 4}` + "\n", json.Number("4"), true},
		{"compact", marker + `{"returnValue":3}`, json.Number("3"), true},
		{"float", marker + `{"returnValue": 2.5}`, json.Number("2.5"), true},
		{"string", marker + `{"returnValue": "hi"}`, "hi", true},
		{"null", marker + `{"returnValue": null}`, nil, true},
		{"bool", marker + `{"returnValue": true}`, true, true},
		{"array", marker + `{"returnValue": [1, "a", null]}`,
			[]any{json.Number("1"), "a", nil}, true},
		{"nested object", marker + `{"returnValue": {"a": {"b": {"c": [1, {"d": 2}]}}}}`,
			map[string]any{"a": map[string]any{"b": map[string]any{"c": []any{json.Number("1"), map[string]any{"d": json.Number("2")}}}}}, true},
		{"braces inside strings", marker + `{"returnValue": {"s": "}{}}"}}`,
			map[string]any{"s": "}{}}"}, true},
		{"escaped quote", marker + `{"returnValue": "a\"}b"}`, `a"}b`, true},
		{"noise before", "hello\nworld\n" + marker + `{"returnValue": 1}`, json.Number("1"), true},
		{"noise after", marker + `{"returnValue": 1}` + "\ntrailing {output}\n", json.Number("1"), true},
		{"first occurrence wins", marker + `{"returnValue": 1}` + marker + `{"returnValue": 2}`, json.Number("1"), true},
		{"raw fallback", marker + `{"returnValue": not json}`, "not json", true},
		{"missing marker", `{"returnValue": 1}`, nil, false},
		{"wrong prefix", marker + `{"value": 1}`, nil, false},
		{"separator after marker", marker + ` {"returnValue": 1}`, nil, false},
		{"unterminated", marker + `{"returnValue": {"a": 1`, nil, false},
		{"empty", "", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Value(tt.stdout, marker)
			if ok != tt.wantOK {
				t.Fatalf("Value() ok = %v, want %v (value %#v)", ok, tt.wantOK, got)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Value() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestValue_EmptyMarker(t *testing.T) {
	if _, ok := Value(`{"returnValue": 1}`, ""); ok {
		t.Error("empty marker should never match")
	}
}

func TestValue_NeverPanics(t *testing.T) {
	inputs := []string{
		marker,
		marker + `{"returnValue":`,
		marker + `{"returnValue":}`,
		marker + `{"returnValue":"`,
		marker + `{"returnValue":\`,
		marker + `{"returnValue":}}}}}`,
		marker + strings.Repeat("{", 1000),
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("Value(%q) panicked: %v", in, r)
				}
			}()
			Value(in, marker)
		}()
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   string
		wantOK bool
	}{
		{"single line", `{"error": "name 'y' is not defined"}` + "\n", "name 'y' is not defined", true},
		{"after traceback", "Traceback...\n" + `{"error": "boom"}`, "boom", true},
		{"last wins", `{"error": "a"}` + "\n" + `{"error": "b"}` + "\n", "b", true},
		{"no error key", `{"other": 1}`, "", false},
		{"plain text", "SyntaxError: invalid syntax", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ErrorMessage(tt.stderr)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ErrorMessage() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
