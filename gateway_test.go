package casemill

import (
	"errors"
	"testing"
)

func TestExtractResultValidate(t *testing.T) {
	tests := []struct {
		name    string
		cases   []ExtractSpan
		wantErr bool
	}{
		{"empty", nil, false},
		{"single", []ExtractSpan{{StartIdx: 0, EndIdx: 10}}, false},
		{"sorted disjoint", []ExtractSpan{{StartIdx: 0, EndIdx: 10}, {StartIdx: 11, EndIdx: 20}}, false},
		{"negative start", []ExtractSpan{{StartIdx: -1, EndIdx: 10}}, true},
		{"negative end", []ExtractSpan{{StartIdx: 0, EndIdx: -5}}, true},
		{"inverted", []ExtractSpan{{StartIdx: 10, EndIdx: 5}}, true},
		{"overlapping", []ExtractSpan{{StartIdx: 0, EndIdx: 10}, {StartIdx: 10, EndIdx: 20}}, true},
		{"unsorted", []ExtractSpan{{StartIdx: 20, EndIdx: 30}, {StartIdx: 0, EndIdx: 10}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ExtractResult{Cases: tt.cases}.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var schemaErr *ErrSchema
				if !errors.As(err, &schemaErr) {
					t.Fatalf("error %v is not *ErrSchema", err)
				}
			}
		})
	}
}

func TestStructureResultValidate(t *testing.T) {
	tests := []struct {
		name    string
		r       StructureResult
		wantErr bool
	}{
		{"discarded needs nothing", StructureResult{Keep: false}, false},
		{"solved with solution", StructureResult{Keep: true, Status: CaseSolved, ProblemTitle: "t", SolutionSummary: "s"}, false},
		{"open without solution", StructureResult{Keep: true, Status: CaseOpen, ProblemTitle: "t"}, false},
		{"bad status", StructureResult{Keep: true, Status: "resolved", ProblemTitle: "t"}, true},
		{"empty title", StructureResult{Keep: true, Status: CaseOpen}, true},
		{"solved without solution", StructureResult{Keep: true, Status: CaseSolved, ProblemTitle: "t"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &ErrHTTP{Status: 429}, true},
		{"502", &ErrHTTP{Status: 502}, true},
		{"503", &ErrHTTP{Status: 503}, true},
		{"504", &ErrHTTP{Status: 504}, true},
		{"400", &ErrHTTP{Status: 400}, false},
		{"500", &ErrHTTP{Status: 500}, false},
		{"schema error", &ErrSchema{Task: "extract", Reason: "x"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
