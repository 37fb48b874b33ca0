// Package gate is the policy boundary between retrieval and answering.
// Decide is a pure function: externally-owned rules plus hit-set facts in,
// three booleans out. Nothing downstream of the gate reaches the store or
// the vector index; the answer layer sees only the compiled bundle.
package gate

import "statetape/internal/config"

// Rules are the externally-owned allow/deny inputs. The rules live in
// configuration; the enforcement point lives here. The zero value denies
// everything.
type Rules struct {
	AllowRawMedia   bool
	AllowTextExport bool
	AppAllowlist    []string
	AppDenylist     []string
}

// RulesFromConfig maps the policy config section onto gate rules.
func RulesFromConfig(p config.PolicyConfig) Rules {
	return Rules{
		AllowRawMedia:   p.AllowRawMedia,
		AllowTextExport: p.AllowTextExport,
		AppAllowlist:    p.AppAllowlist,
		AppDenylist:     p.AppDenylist,
	}
}

// Input gathers the facts a decision is made from.
type Input struct {
	Apps        []string // distinct apps across the hit set
	AnyRedacted bool     // any evidence ref carries redaction_applied
	Rules       Rules
}

// Decision states what a bundle may expose downstream.
type Decision struct {
	CanShowRawMedia   bool `json:"can_show_raw_media"`
	CanExportText     bool `json:"can_export_text"`
	RedactionRequired bool `json:"redaction_required"`
}

// Decide applies the rules to a hit set. Default-deny: without explicit
// enablement both export booleans are false. A denylisted app anywhere in
// the hit set forces both false; when an allowlist exists, every app must
// be on it. Redacted evidence always marks the decision.
func Decide(in Input) Decision {
	d := Decision{
		CanShowRawMedia:   in.Rules.AllowRawMedia,
		CanExportText:     in.Rules.AllowTextExport,
		RedactionRequired: in.AnyRedacted,
	}

	if len(in.Rules.AppDenylist) > 0 {
		denied := toSet(in.Rules.AppDenylist)
		for _, app := range in.Apps {
			if _, ok := denied[app]; ok {
				d.CanShowRawMedia = false
				d.CanExportText = false
				return d
			}
		}
	}

	if len(in.Rules.AppAllowlist) > 0 {
		allowed := toSet(in.Rules.AppAllowlist)
		for _, app := range in.Apps {
			if _, ok := allowed[app]; !ok {
				d.CanShowRawMedia = false
				d.CanExportText = false
				return d
			}
		}
	}

	return d
}

func toSet(apps []string) map[string]struct{} {
	set := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		set[app] = struct{}{}
	}
	return set
}
