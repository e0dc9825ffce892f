package jq

import (
	"bytes"
	"context"
	"reflect"
	"testing"
)

type row struct {
	Job     string `json:"job"`
	Outcome string `json:"outcome"`
}

type summary struct {
	RunID     string `json:"run_id"`
	Instances []row  `json:"instances"`
}

var testSummary = summary{
	RunID: "run-1",
	Instances: []row{
		{Job: "build", Outcome: "succeeded"},
		{Job: "test", Outcome: "failed"},
	},
}

func TestExecutor_Query(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		want       []any
		wantErr    bool
	}{
		{
			name:       "empty expression is identity",
			expression: "",
			want: []any{map[string]any{
				"run_id": "run-1",
				"instances": []any{
					map[string]any{"job": "build", "outcome": "succeeded"},
					map[string]any{"job": "test", "outcome": "failed"},
				},
			}},
		},
		{
			name:       "field from struct",
			expression: ".run_id",
			want:       []any{"run-1"},
		},
		{
			name:       "multiple results",
			expression: ".instances[].job",
			want:       []any{"build", "test"},
		},
		{
			name:       "select",
			expression: `[.instances[] | select(.outcome == "failed") | .job]`,
			want:       []any{[]any{"test"}},
		},
		{
			name:       "no output",
			expression: "empty",
			want:       nil,
		},
		{
			name:       "invalid expression",
			expression: ".[",
			wantErr:    true,
		},
		{
			name:       "runtime error",
			expression: ".run_id | keys",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(0, 0)
			got, err := e.Query(context.Background(), tt.expression, testSummary)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Query() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Query() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestExecutor_InputSizeLimit(t *testing.T) {
	e := NewExecutor(0, 10)
	if _, err := e.Query(context.Background(), ".", testSummary); err == nil {
		t.Error("expected size limit error")
	}
}

func TestExecutor_Write(t *testing.T) {
	e := NewExecutor(0, 0)
	var buf bytes.Buffer
	if err := e.Write(context.Background(), &buf, `.run_id, (.instances | length)`, testSummary); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got, want := buf.String(), "run-1\n2\n"; got != want {
		t.Errorf("Write() = %q, want %q", got, want)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(".instances[] | .job"); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
	if err := Validate(".[ | bad"); err == nil {
		t.Error("Validate() expected error")
	}
}
