// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package validation

import (
	"strings"
	"testing"
)

type sample struct {
	Processor string `json:"processor_name" validate:"required,pipename"`
	ScopeDate string `json:"scope_date" validate:"required,scopedate"`
	Status    string `json:"status" validate:"required,oneof=success partial no_data failed"`
	Count     int64  `json:"record_count" validate:"gte=0"`
	Note      string `json:"note,omitempty" validate:"omitempty,max=5"`
}

func valid() sample {
	return sample{Processor: "player_features", ScopeDate: "2026-01-01", Status: "success"}
}

func TestGetValidatorSingleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Error("GetValidator() returned different instances")
	}
}

func TestValidateStruct(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mutate     func(*sample)
		wantFields []string
		wantMsg    string
	}{
		{name: "valid", mutate: func(*sample) {}},
		{
			name:       "missing processor",
			mutate:     func(s *sample) { s.Processor = "" },
			wantFields: []string{"processor_name"},
			wantMsg:    "processor_name is required",
		},
		{
			name:       "bad processor name",
			mutate:     func(s *sample) { s.Processor = "drop table;" },
			wantFields: []string{"processor_name"},
		},
		{
			name:       "bad date",
			mutate:     func(s *sample) { s.ScopeDate = "2026-13-01" },
			wantFields: []string{"scope_date"},
			wantMsg:    "scope_date must be a date in YYYY-MM-DD format",
		},
		{
			name:       "status enum",
			mutate:     func(s *sample) { s.Status = "done" },
			wantFields: []string{"status"},
			wantMsg:    "status must be one of: success partial no_data failed",
		},
		{
			name:       "negative count",
			mutate:     func(s *sample) { s.Count = -1 },
			wantFields: []string{"record_count"},
		},
		{
			name:       "string max",
			mutate:     func(s *sample) { s.Note = "too long" },
			wantFields: []string{"note"},
			wantMsg:    "note must be at most 5 characters",
		},
		{
			name: "multiple",
			mutate: func(s *sample) {
				s.Processor = ""
				s.ScopeDate = ""
			},
			wantFields: []string{"processor_name", "scope_date"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := valid()
			tt.mutate(&s)
			err := ValidateStruct(&s)
			if len(tt.wantFields) == 0 {
				if err != nil {
					t.Fatalf("ValidateStruct() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("ValidateStruct() = nil, want error")
			}
			got := strings.Join(err.Fields(), ",")
			if got != strings.Join(tt.wantFields, ",") {
				t.Errorf("fields = %s, want %v", got, tt.wantFields)
			}
			if tt.wantMsg != "" && err.Error() != tt.wantMsg {
				t.Errorf("message = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestToAPIError(t *testing.T) {
	t.Parallel()

	s := valid()
	s.Status = ""
	apiErr := ValidateStruct(&s).ToAPIError()
	if apiErr.Code != "VALIDATION_ERROR" || apiErr.Details["field"] != "status" {
		t.Errorf("single error = %+v", apiErr)
	}

	s.Processor = ""
	apiErr = ValidateStruct(&s).ToAPIError()
	fields, ok := apiErr.Details["fields"].([]map[string]interface{})
	if !ok || len(fields) != 2 {
		t.Fatalf("multi error details = %+v", apiErr.Details)
	}
	if !strings.Contains(apiErr.Message, "processor_name: processor_name is required") {
		t.Errorf("message = %q", apiErr.Message)
	}

	empty := &RequestValidationError{}
	if empty.ToAPIError().Message != "Validation failed" || empty.Error() != "validation failed" {
		t.Error("empty error formatting changed")
	}
}

func TestIsScopeDate(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]bool{
		"2026-01-01": true,
		"2026-02-30": false,
		"2026-1-01":  false,
		"20260101":   false,
		"":           false,
	} {
		if got := IsScopeDate(in); got != want {
			t.Errorf("IsScopeDate(%q) = %v, want %v", in, got, want)
		}
	}
}
