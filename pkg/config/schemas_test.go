package config

import (
	"strings"
	"testing"
)

func TestSchemaRegistry_ValidatePlan(t *testing.T) {
	sr := NewSchemaRegistry()

	stage := func(id string) map[string]interface{} {
		return map[string]interface{}{
			"id":       id,
			"fragment": "web.yml",
			"target":   map[string]interface{}{"group": "web"},
		}
	}

	tests := []struct {
		name    string
		plan    map[string]interface{}
		wantErr string
	}{
		{
			name: "valid plan",
			plan: map[string]interface{}{
				"name":   "web",
				"stages": []interface{}{stage("canary"), stage("fleet")},
			},
		},
		{
			name:    "no stages",
			plan:    map[string]interface{}{"name": "web", "stages": []interface{}{}},
			wantErr: "stages",
		},
		{
			name: "bad stage id",
			plan: map[string]interface{}{
				"name":   "web",
				"stages": []interface{}{stage("has space")},
			},
			wantErr: "id",
		},
		{
			name: "threshold above one",
			plan: map[string]interface{}{
				"name": "web",
				"stages": []interface{}{func() map[string]interface{} {
					s := stage("a")
					s["failure_threshold"] = 2
					return s
				}()},
			},
			wantErr: "failure_threshold",
		},
		{
			name:    "missing name",
			plan:    map[string]interface{}{"stages": []interface{}{stage("a")}},
			wantErr: "name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema("plan", "#Plan", tt.plan)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected validation error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_Definition(t *testing.T) {
	sr := NewSchemaRegistry()
	if _, err := sr.Definition("plan", "#Stage"); err != nil {
		t.Errorf("Definition(#Stage) error = %v", err)
	}
	if _, err := sr.Definition("plan", "#Nope"); err == nil {
		t.Error("Definition(#Nope) succeeded")
	}
	if _, err := sr.Definition("nope", "#Plan"); err == nil {
		t.Error("Definition of unknown schema succeeded")
	}
	if err := sr.RegisterSchema("broken", "x: {"); err == nil {
		t.Error("RegisterSchema accepted invalid CUE")
	}
}
