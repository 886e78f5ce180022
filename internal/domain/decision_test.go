package domain

import (
	"testing"
	"time"
)

func TestClassifyValue(t *testing.T) {
	cases := []struct {
		raw       string
		wantScope Scope
		wantValue string
		wantErr   bool
	}{
		{"1.2.3.4", ScopeIP, "1.2.3.4", false},
		{"2001:db8::1", ScopeIP, "2001:db8::1", false},
		{"10.0.0.0/8", ScopeRange, "10.0.0.0/8", false},
		{"10.0.0.7/8", ScopeRange, "10.0.0.0/8", false},
		{"1234", ScopeAS, "1234", false},
		{"cn", ScopeCountry, "CN", false},
		{"FR", ScopeCountry, "FR", false},
		{"", "", "", true},
		{"not-a-value", "", "", true},
		{"ABC", "", "", true},
	}

	for _, tc := range cases {
		scope, value, err := ClassifyValue(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ClassifyValue(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ClassifyValue(%q): %v", tc.raw, err)
		}
		if scope != tc.wantScope || value != tc.wantValue {
			t.Fatalf("ClassifyValue(%q) = (%s, %s), want (%s, %s)",
				tc.raw, scope, value, tc.wantScope, tc.wantValue)
		}
	}
}

func TestDecisionKeyIdentity(t *testing.T) {
	ban := Decision{Scope: ScopeIP, Value: "1.2.3.4", Action: ActionBan}
	captcha := Decision{Scope: ScopeIP, Value: "1.2.3.4", Action: ActionCaptcha}
	if ban.Key() != captcha.Key() {
		t.Fatal("identity must ignore the action")
	}

	set := make(DecisionSet)
	set.Add(ban)
	set.Add(captcha)
	if len(set) != 1 {
		t.Fatalf("action change must replace, got %d entries", len(set))
	}
	if set[captcha.Key()].Action != ActionCaptcha {
		t.Fatal("latest action must win")
	}
}

func TestDropExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	set := make(DecisionSet)
	set.Add(Decision{Scope: ScopeIP, Value: "1.1.1.1", Action: ActionBan, Expiry: &past})
	set.Add(Decision{Scope: ScopeIP, Value: "2.2.2.2", Action: ActionBan, Expiry: &future})
	set.Add(Decision{Scope: ScopeIP, Value: "3.3.3.3", Action: ActionBan})

	if dropped := set.DropExpired(now); dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}
	if len(set) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(set))
	}
}

func TestParseScopeAliases(t *testing.T) {
	for raw, want := range map[string]Scope{
		"Ip":        ScopeIP,
		"ip_range":  ScopeRange,
		"Range":     ScopeRange,
		"Country":   ScopeCountry,
		"AS":        ScopeAS,
		"asn":       ScopeAS,
		"as_number": ScopeAS,
	} {
		got, err := ParseScope(raw)
		if err != nil {
			t.Fatalf("ParseScope(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseScope(%q) = %s, want %s", raw, got, want)
		}
	}
	if _, err := ParseScope("session"); err == nil {
		t.Fatal("unknown scope must error")
	}
}
