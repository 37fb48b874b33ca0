package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"statetape/internal/config"
)

func TestDecideDefaultDeny(t *testing.T) {
	d := Decide(Input{Apps: []string{"editor"}})
	assert.False(t, d.CanShowRawMedia)
	assert.False(t, d.CanExportText)
	assert.False(t, d.RedactionRequired)
}

func TestDecide(t *testing.T) {
	permissive := Rules{AllowRawMedia: true, AllowTextExport: true}

	tests := []struct {
		name string
		in   Input
		want Decision
	}{
		{
			name: "explicit enablement passes through",
			in:   Input{Apps: []string{"editor"}, Rules: permissive},
			want: Decision{CanShowRawMedia: true, CanExportText: true},
		},
		{
			name: "denylisted app forces both false",
			in: Input{
				Apps:  []string{"editor", "banking"},
				Rules: Rules{AllowRawMedia: true, AllowTextExport: true, AppDenylist: []string{"banking"}},
			},
			want: Decision{},
		},
		{
			name: "allowlist must cover every hit app",
			in: Input{
				Apps:  []string{"editor", "terminal"},
				Rules: Rules{AllowRawMedia: true, AllowTextExport: true, AppAllowlist: []string{"editor"}},
			},
			want: Decision{},
		},
		{
			name: "allowlist covering all apps keeps enablement",
			in: Input{
				Apps:  []string{"editor", "terminal"},
				Rules: Rules{AllowTextExport: true, AppAllowlist: []string{"editor", "terminal"}},
			},
			want: Decision{CanExportText: true},
		},
		{
			name: "empty hit set is never narrowed by lists",
			in: Input{
				Rules: Rules{AllowTextExport: true, AppAllowlist: []string{"editor"}},
			},
			want: Decision{CanExportText: true},
		},
		{
			name: "redacted evidence marks the decision",
			in:   Input{Apps: []string{"editor"}, AnyRedacted: true, Rules: permissive},
			want: Decision{CanShowRawMedia: true, CanExportText: true, RedactionRequired: true},
		},
		{
			name: "redaction survives a denylist hit",
			in: Input{
				Apps:        []string{"banking"},
				AnyRedacted: true,
				Rules:       Rules{AllowTextExport: true, AppDenylist: []string{"banking"}},
			},
			want: Decision{RedactionRequired: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.in))
		})
	}
}

func TestDecideIsPure(t *testing.T) {
	in := Input{
		Apps:        []string{"editor"},
		AnyRedacted: false,
		Rules:       Rules{AllowTextExport: true, AppAllowlist: []string{"editor"}},
	}
	first := Decide(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Decide(in))
	}
}

func TestRulesFromConfig(t *testing.T) {
	rules := RulesFromConfig(config.PolicyConfig{
		AllowRawMedia:   true,
		AllowTextExport: true,
		AppAllowlist:    []string{"editor"},
		AppDenylist:     []string{"banking"},
	})
	assert.True(t, rules.AllowRawMedia)
	assert.True(t, rules.AllowTextExport)
	assert.Equal(t, []string{"editor"}, rules.AppAllowlist)
	assert.Equal(t, []string{"banking"}, rules.AppDenylist)

	assert.Equal(t, Decision{}, Decide(Input{Apps: []string{"editor"}, Rules: RulesFromConfig(config.PolicyConfig{})}))
}
