package stage

import "testing"

func TestCanTransitionTable(t *testing.T) {
	legal := map[[2]Stage]bool{
		{InTreatment, OnHold}:     true,
		{InTreatment, Estimation}: true,
		{OnHold, InTreatment}:     true,
		{OnHold, Estimation}:      true,
		{Estimation, OnHold}:      true,
		{Estimation, Ready}:       true,
		{Ready, Estimation}:       true,
	}
	for _, from := range All() {
		for _, to := range All() {
			want := legal[[2]Stage{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestNoSelfEdges(t *testing.T) {
	for _, s := range All() {
		if CanTransition(s, s) {
			t.Errorf("self edge allowed for %s", s)
		}
	}
}

func TestParse(t *testing.T) {
	for _, s := range All() {
		got, err := Parse(string(s))
		if err != nil || got != s {
			t.Errorf("Parse(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := Parse("done"); err == nil {
		t.Error("Parse accepted unknown stage")
	}
	if _, err := Parse(""); err == nil {
		t.Error("Parse accepted empty stage")
	}
}

func TestTargets(t *testing.T) {
	got := Targets(OnHold)
	if len(got) != 2 {
		t.Fatalf("Targets(on_hold) = %v", got)
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseConfidence("high"); err != nil {
		t.Errorf("ParseConfidence(high): %v", err)
	}
	if _, err := ParseConfidence("certain"); err == nil {
		t.Error("ParseConfidence accepted unknown value")
	}
	if _, err := ParseRequestType("change_request"); err != nil {
		t.Errorf("ParseRequestType(change_request): %v", err)
	}
	if _, err := ParseRequestType("task"); err == nil {
		t.Error("ParseRequestType accepted unknown value")
	}
	if _, err := ParsePriority("critical"); err != nil {
		t.Errorf("ParsePriority(critical): %v", err)
	}
	if _, err := ParseDestination("ticket"); err != nil {
		t.Errorf("ParseDestination(ticket): %v", err)
	}
	if _, err := ParseDestination("epic"); err == nil {
		t.Error("ParseDestination accepted unknown value")
	}
}
