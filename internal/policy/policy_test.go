package policy

import (
	"errors"
	"testing"
)

func TestResolveTable(t *testing.T) {
	tests := []struct {
		level      Maturity
		coverage   float64
		strictness Strictness
		breaking   bool
		notice     bool
		maxIter    int
	}{
		{Prototype, 0.30, Lenient, true, false, 5},
		{EarlyStage, 0.40, Moderate, true, false, 4},
		{Stable, 0.70, Strict, false, true, 3},
		{Mature, 0.85, VeryStrict, false, false, 2},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			p, err := Resolve(tt.level)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.level, err)
			}
			if p.Maturity != tt.level {
				t.Errorf("Maturity = %q, want %q", p.Maturity, tt.level)
			}
			if p.CoverageTarget != tt.coverage {
				t.Errorf("CoverageTarget = %v, want %v", p.CoverageTarget, tt.coverage)
			}
			if p.Strictness != tt.strictness {
				t.Errorf("Strictness = %q, want %q", p.Strictness, tt.strictness)
			}
			if p.AllowBreakingChanges != tt.breaking {
				t.Errorf("AllowBreakingChanges = %v, want %v", p.AllowBreakingChanges, tt.breaking)
			}
			if p.BreakingChangeNotice != tt.notice {
				t.Errorf("BreakingChangeNotice = %v, want %v", p.BreakingChangeNotice, tt.notice)
			}
			if p.MaxIterations != tt.maxIter {
				t.Errorf("MaxIterations = %d, want %d", p.MaxIterations, tt.maxIter)
			}
		})
	}
}

func TestResolveUnknownLevel(t *testing.T) {
	for _, in := range []Maturity{"", "beta", "Mature", "legacy"} {
		_, err := Resolve(in)
		if err == nil {
			t.Fatalf("Resolve(%q): expected error", in)
		}
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("Resolve(%q) error %v does not match ErrConfiguration", in, err)
		}
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("Resolve(%q) error is %T, want *ConfigurationError", in, err)
		}
	}
}

func TestResolveIdempotent(t *testing.T) {
	for _, level := range Levels() {
		a, err := Resolve(level)
		if err != nil {
			t.Fatal(err)
		}
		b, err := Resolve(level)
		if err != nil {
			t.Fatal(err)
		}
		if a != b {
			t.Errorf("Resolve(%q) not idempotent: %+v vs %+v", level, a, b)
		}
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	a, _ := Resolve(Stable)
	a.MaxIterations = 99
	b, _ := Resolve(Stable)
	if b.MaxIterations != 3 {
		t.Errorf("mutating a resolved policy leaked into the table: MaxIterations = %d", b.MaxIterations)
	}
}

func TestParseMaturity(t *testing.T) {
	tests := []struct {
		in   string
		want Maturity
	}{
		{"prototype", Prototype},
		{"Early-Stage", EarlyStage},
		{" stable ", Stable},
		{"MATURE", Mature},
	}
	for _, tt := range tests {
		got, err := ParseMaturity(tt.in)
		if err != nil {
			t.Errorf("ParseMaturity(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMaturity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := ParseMaturity("ancient"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("ParseMaturity(ancient) error = %v, want ErrConfiguration", err)
	}
}

func TestStrictnessEscalates(t *testing.T) {
	if Lenient.Escalates() || Moderate.Escalates() {
		t.Error("lenient/moderate must not escalate major findings")
	}
	if !Strict.Escalates() || !VeryStrict.Escalates() {
		t.Error("strict/very_strict must escalate major findings")
	}
}
