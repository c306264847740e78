package review

import (
	"reflect"
	"strings"
	"testing"

	"github.com/lucasnoah/devflow/internal/policy"
)

func mustPolicy(t *testing.T, m policy.Maturity) policy.Policy {
	t.Helper()
	p, err := policy.Resolve(m)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", m, err)
	}
	return p
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Sources = map[string]SourceConfig{
		"claude":   {Trust: 2},
		"gpt":      {Trust: 1},
		"reviewer": {Trust: 5, Human: true},
	}
	return cfg
}

func TestMerge_EmptyApproves(t *testing.T) {
	m := NewMerger(testConfig())
	v := m.Merge(nil, mustPolicy(t, policy.EarlyStage))
	if v.Outcome != Approve {
		t.Errorf("Outcome = %q, want approve", v.Outcome)
	}
	if len(v.Retained) != 0 || len(v.Followups) != 0 {
		t.Errorf("expected empty verdict, got %+v", v)
	}
}

func TestMerge_DeduplicatesAcrossSources(t *testing.T) {
	m := NewMerger(testConfig())
	sources := [][]Finding{
		{{Source: "claude", Severity: Minor, Location: "main.go:10", Category: "style", Description: "Variable name is too short"}},
		{{Source: "gpt", Severity: Minor, Location: "main.go:10", Category: "style", Description: "variable name too short"}},
	}
	v := m.Merge(sources, mustPolicy(t, policy.EarlyStage))

	if len(v.Retained) != 1 {
		t.Fatalf("Retained = %d, want 1: %+v", len(v.Retained), v.Retained)
	}
	r := v.Retained[0]
	if r.Source != "claude" {
		t.Errorf("representative source = %q, want claude (higher trust)", r.Source)
	}
	if !reflect.DeepEqual(r.Sources, []string{"claude", "gpt"}) {
		t.Errorf("Sources = %v, want [claude gpt]", r.Sources)
	}
	if v.Outcome != Approve {
		t.Errorf("Outcome = %q, want approve", v.Outcome)
	}
	if len(v.Followups) != 1 {
		t.Errorf("Followups = %d, want 1", len(v.Followups))
	}
}

func TestMerge_DissimilarDescriptionsKeptApart(t *testing.T) {
	m := NewMerger(testConfig())
	sources := [][]Finding{
		{{Source: "claude", Severity: Minor, Location: "api.go:5", Category: "correctness", Description: "nil pointer dereference when config missing"}},
		{{Source: "gpt", Severity: Minor, Location: "api.go:5", Category: "correctness", Description: "off by one in loop bound"}},
	}
	v := m.Merge(sources, mustPolicy(t, policy.Prototype))
	if len(v.Retained) != 2 {
		t.Fatalf("Retained = %d, want 2", len(v.Retained))
	}
}

func TestMerge_SameTextDifferentCategoryKeptApart(t *testing.T) {
	m := NewMerger(testConfig())
	sources := [][]Finding{
		{{Source: "claude", Severity: Minor, Location: "a.go:1", Category: "style", Description: "unused import"}},
		{{Source: "gpt", Severity: Minor, Location: "a.go:1", Category: "correctness", Description: "unused import"}},
	}
	v := m.Merge(sources, mustPolicy(t, policy.Prototype))
	if len(v.Retained) != 2 {
		t.Fatalf("Retained = %d, want 2", len(v.Retained))
	}
}

func TestMerge_ConservativeSeverity(t *testing.T) {
	m := NewMerger(testConfig())
	sources := [][]Finding{
		{{Source: "claude", Severity: Minor, Location: "db.go:42", Category: "correctness", Description: "query ignores error"}},
		{{Source: "gpt", Severity: Major, Location: "db.go:42", Category: "correctness", Description: "query ignores the error"}},
	}
	v := m.Merge(sources, mustPolicy(t, policy.EarlyStage))
	if len(v.Retained) != 1 {
		t.Fatalf("Retained = %d, want 1", len(v.Retained))
	}
	if v.Retained[0].Severity != Major {
		t.Errorf("Severity = %q, want major (more severe wins)", v.Retained[0].Severity)
	}
	if v.Outcome != RequestChanges {
		t.Errorf("Outcome = %q, want request_changes", v.Outcome)
	}
	if len(v.Followups) != 0 {
		t.Errorf("Followups = %d, want 0", len(v.Followups))
	}
}

func TestMerge_StrictnessEscalation(t *testing.T) {
	major := [][]Finding{{{Source: "claude", Severity: Major, Location: "x.go:1", Category: "correctness", Description: "race on shared map"}}}
	tests := []struct {
		level   policy.Maturity
		sev     Severity
		outcome Outcome
	}{
		{policy.Prototype, Major, RequestChanges},
		{policy.EarlyStage, Major, RequestChanges},
		{policy.Stable, Blocking, Block},
		{policy.Mature, Blocking, Block},
	}
	m := NewMerger(testConfig())
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			v := m.Merge(major, mustPolicy(t, tt.level))
			if v.Retained[0].Severity != tt.sev {
				t.Errorf("Severity = %q, want %q", v.Retained[0].Severity, tt.sev)
			}
			if v.Retained[0].Reported != Major {
				t.Errorf("Reported = %q, want major", v.Retained[0].Reported)
			}
			if v.Outcome != tt.outcome {
				t.Errorf("Outcome = %q, want %q", v.Outcome, tt.outcome)
			}
		})
	}
}

func TestMerge_BreakingChanges(t *testing.T) {
	breaking := [][]Finding{{{Source: "claude", Severity: Minor, Location: "api/v1.go", Category: CategoryBreakingChange, Description: "removes exported field"}}}
	tests := []struct {
		level   policy.Maturity
		outcome Outcome
	}{
		{policy.Prototype, Approve},
		{policy.EarlyStage, Approve},
		{policy.Stable, RequestChanges},
		{policy.Mature, Block},
	}
	m := NewMerger(testConfig())
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			v := m.Merge(breaking, mustPolicy(t, tt.level))
			if v.Outcome != tt.outcome {
				t.Errorf("Outcome = %q, want %q", v.Outcome, tt.outcome)
			}
		})
	}
}

func TestMerge_HumanOverride(t *testing.T) {
	m := NewMerger(testConfig())
	sources := [][]Finding{
		{{Source: "claude", Severity: Major, Location: "auth.go:77", Category: "security", Description: "token compared with =="}},
		{{Source: "octocat", Human: true, Severity: Major, Location: "auth.go:77", Category: "security", Description: "token compared with == insecurely"}},
	}
	v := m.Merge(sources, mustPolicy(t, policy.EarlyStage))
	if len(v.Retained) != 1 {
		t.Fatalf("Retained = %d, want 1: %+v", len(v.Retained), v.Retained)
	}
	r := v.Retained[0]
	if !r.HumanOverride {
		t.Error("expected HumanOverride = true")
	}
	if r.Source != "octocat" {
		t.Errorf("representative = %q, want human octocat", r.Source)
	}
}

func TestMerge_HumanOverrideFromSourceConfig(t *testing.T) {
	m := NewMerger(testConfig())
	sources := [][]Finding{
		{{Source: "gpt", Severity: Major, Location: "x.go:3", Category: "correctness", Description: "missing error check"}},
		{{Source: "reviewer", Severity: Major, Location: "x.go:3", Category: "correctness", Description: "missing error check"}},
	}
	v := m.Merge(sources, mustPolicy(t, policy.Prototype))
	if len(v.Retained) != 1 || !v.Retained[0].HumanOverride {
		t.Fatalf("expected one retained finding with human override, got %+v", v.Retained)
	}
}

func TestMerge_HumanOverrideDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.HumanOverride = false
	m := NewMerger(cfg)
	sources := [][]Finding{
		{{Source: "claude", Severity: Major, Location: "a.go:1", Category: "security", Description: "weak hash"}},
		{{Source: "someone", Human: true, Severity: Major, Location: "a.go:1", Category: "security", Description: "weak hash"}},
	}
	v := m.Merge(sources, mustPolicy(t, policy.EarlyStage))
	if v.Retained[0].HumanOverride {
		t.Error("HumanOverride should be false when disabled")
	}
	if v.Retained[0].Source != "claude" {
		t.Errorf("representative = %q, want claude by trust", v.Retained[0].Source)
	}
}

func TestMerge_RejectsMalformedIndividually(t *testing.T) {
	m := NewMerger(testConfig())
	sources := [][]Finding{
		{
			{Source: "claude", Severity: Minor, Location: "", Category: "style", Description: "no location"},
			{Source: "claude", Severity: Minor, Location: "a.go", Category: "", Description: "no category"},
			{Source: "claude", Severity: "critical", Location: "a.go", Category: "style", Description: "bad severity"},
			{Source: "claude", Severity: Minor, Location: "a.go", Category: "style", Description: "fine"},
		},
	}
	v := m.Merge(sources, mustPolicy(t, policy.EarlyStage))
	if len(v.Rejected) != 3 {
		t.Fatalf("Rejected = %d, want 3", len(v.Rejected))
	}
	if len(v.Retained) != 1 {
		t.Errorf("Retained = %d, want 1", len(v.Retained))
	}
	for _, r := range v.Rejected {
		if r.Error() == "" || r.Reason == "" {
			t.Errorf("rejected finding missing reason: %+v", r)
		}
	}
}

func TestMerge_RejectedOrderIncludesHuman(t *testing.T) {
	bot := Finding{Source: "shared", Severity: Minor, Location: "", Category: "style", Description: "no location"}
	person := bot
	person.Human = true

	m := NewMerger(testConfig())
	p := mustPolicy(t, policy.EarlyStage)
	first := m.Merge([][]Finding{{bot, person}}, p)
	second := m.Merge([][]Finding{{person, bot}}, p)

	if !reflect.DeepEqual(first.Rejected, second.Rejected) {
		t.Fatalf("rejected order depends on input order\n got: %+v\nwant: %+v", second.Rejected, first.Rejected)
	}
	if len(first.Rejected) != 2 || first.Rejected[0].Finding.Human || !first.Rejected[1].Finding.Human {
		t.Errorf("want automated before human, got %+v", first.Rejected)
	}
}

func TestMerge_OrderIndependent(t *testing.T) {
	a := []Finding{
		{Source: "claude", Severity: Major, Location: "a.go:1", Category: "correctness", Description: "unchecked error from Close"},
		{Source: "claude", Severity: Minor, Location: "b.go:9", Category: "style", Description: "long line"},
		{Source: "claude", Severity: Informational, Location: "c.go", Category: "docs", Description: "consider adding docs"},
	}
	b := []Finding{
		{Source: "gpt", Severity: Blocking, Location: "a.go:1", Category: "correctness", Description: "unchecked error from Close call"},
		{Source: "gpt", Severity: Minor, Location: "b.go:9", Category: "style", Description: "line too long"},
		{Source: "gpt", Severity: Minor, Location: "", Category: "style", Description: "broken"},
	}
	c := []Finding{
		{Source: "octocat", Human: true, Severity: Major, Location: "d.go:3", Category: "security", Description: "secret in log"},
	}

	m := NewMerger(testConfig())
	p := mustPolicy(t, policy.EarlyStage)
	want := m.Merge([][]Finding{a, b, c}, p)

	perms := [][][]Finding{
		{c, b, a},
		{b, a, c},
		{a, c, b},
		{reverse(c), reverse(a), reverse(b)},
	}
	for i, in := range perms {
		got := m.Merge(in, p)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("permutation %d: verdict differs\n got: %+v\nwant: %+v", i, got, want)
		}
	}
}

func reverse(in []Finding) []Finding {
	out := make([]Finding, len(in))
	for i := range in {
		out[len(in)-1-i] = in[i]
	}
	return out
}

func TestMerge_BlockInvariant(t *testing.T) {
	m := NewMerger(testConfig())
	severities := []Severity{Blocking, Major, Minor, Informational}
	for _, level := range policy.Levels() {
		p := mustPolicy(t, level)
		for _, s1 := range severities {
			for _, s2 := range severities {
				v := m.Merge([][]Finding{
					{{Source: "claude", Severity: s1, Location: "a.go", Category: "correctness", Description: "first"}},
					{{Source: "gpt", Severity: s2, Location: "b.go", Category: "style", Description: "second"}},
				}, p)
				hasBlocking := len(v.Blocking()) > 0
				if (v.Outcome == Block) != hasBlocking {
					t.Errorf("%s %s/%s: outcome %q but blocking findings = %v", level, s1, s2, v.Outcome, hasBlocking)
				}
				for _, f := range v.Followups {
					if f.Severity == Blocking || f.Severity == Major {
						t.Errorf("%s: follow-up with severity %q", level, f.Severity)
					}
				}
			}
		}
	}
}

func TestMerge_Ranking(t *testing.T) {
	m := NewMerger(testConfig())
	v := m.Merge([][]Finding{
		{
			{Source: "claude", Severity: Minor, Location: "z.go", Category: "style", Description: "a"},
			{Source: "claude", Severity: Blocking, Location: "y.go", Category: "security", Description: "b"},
			{Source: "claude", Severity: Major, Location: "x.go", Category: "correctness", Description: "c"},
		},
	}, mustPolicy(t, policy.Prototype))
	got := []Severity{v.Retained[0].Severity, v.Retained[1].Severity, v.Retained[2].Severity}
	want := []Severity{Blocking, Major, Minor}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ranking = %v, want %v", got, want)
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"same words", "same words", 1},
		{"Same, Words!", "same words", 1},
		{"a b", "c d", 0},
		{"a b c", "a b d", 0.5},
		{"", "", 1},
	}
	for _, tt := range tests {
		got := jaccard(tokenSet(normalize(tt.a)), tokenSet(normalize(tt.b)))
		if got != tt.want {
			t.Errorf("jaccard(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestVerdictSummary(t *testing.T) {
	v := Verdict{
		Outcome: Block,
		Retained: []Retained{
			{Finding: Finding{Severity: Blocking, Location: "a.go:1", Category: "security", Description: "sql injection"}},
		},
	}
	s := v.Summary()
	if s == "" {
		t.Fatal("empty summary")
	}
	for _, want := range []string{"block", "a.go:1", "sql injection"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary %q missing %q", s, want)
		}
	}
}
