package validator

import (
	"strings"
	"testing"
)

func TestValidateWorkflowJSON(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name      string
		doc       string
		wantValid bool
		wantMsg   string
	}{
		{
			name: "graph",
			doc: `{"nodes":[{"id":"a","type":"http","config":{"url":"https://example.com"}},{"id":"b","type":"transform"}],
			       "connections":[{"from":"a","to":"b"}]}`,
			wantValid: true,
		},
		{
			name:      "legacy steps",
			doc:       `{"steps":[{"tool":"http","connections":[{"to":1}]},{"type":"email"}]}`,
			wantValid: true,
		},
		{
			name: "empty",
			doc:  `{}`,
		},
		{
			name: "node without type",
			doc:  `{"nodes":[{"id":"a"}]}`,
		},
		{
			name:    "dangling connection",
			doc:     `{"nodes":[{"id":"a","type":"http"}],"connections":[{"from":"a","to":"ghost"}]}`,
			wantMsg: `unknown node "ghost"`,
		},
		{
			name:    "duplicate ids",
			doc:     `{"nodes":[{"id":"a","type":"http"},{"id":"a","type":"sms"}]}`,
			wantMsg: "duplicate node id",
		},
		{
			name:    "not json",
			doc:     `{nodes`,
			wantMsg: "invalid JSON",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.ValidateWorkflowJSON([]byte(tt.doc))
			if res.Valid != tt.wantValid {
				t.Fatalf("Valid = %v, want %v (errors: %v)", res.Valid, tt.wantValid, res.Errors)
			}
			if !tt.wantValid && len(res.Errors) == 0 {
				t.Error("invalid result without errors")
			}
			if tt.wantMsg != "" && !strings.Contains(res.Error(), tt.wantMsg) {
				t.Errorf("errors %q do not mention %q", res.Error(), tt.wantMsg)
			}
		})
	}
}

func TestValidateScheduleJSON(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name      string
		doc       string
		wantValid bool
	}{
		{"cron", `{"agent_id":"wf","cron":"0 * * * *"}`, true},
		{"interval", `{"agent_id":"wf","interval_seconds":300,"input":{"a":1}}`, true},
		{"both", `{"agent_id":"wf","cron":"@daily","interval_seconds":60}`, false},
		{"neither", `{"agent_id":"wf"}`, false},
		{"zero interval", `{"agent_id":"wf","interval_seconds":0}`, false},
		{"missing agent", `{"cron":"@daily"}`, false},
		{"input not object", `{"agent_id":"wf","cron":"@daily","input":[1]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.ValidateScheduleJSON([]byte(tt.doc))
			if res.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v (errors: %v)", res.Valid, tt.wantValid, res.Errors)
			}
		})
	}
}
