package mediaflow

import "testing"

// TestActiveActiveResolution: both sides at actpass
// resolves the answerer to active.
func TestActiveActiveResolution(t *testing.T) {
	got := resolveAnswererSetup(SetupActPass)
	if got != SetupActive {
		t.Fatalf("answerer resolving actpass/actpass = %s, want active", got)
	}
}

func TestAnswererMirrorsConcreteRole(t *testing.T) {
	if got := resolveAnswererSetup(SetupActive); got != SetupPassive {
		t.Fatalf("remote active -> local should be passive, got %s", got)
	}
	if got := resolveAnswererSetup(SetupPassive); got != SetupActive {
		t.Fatalf("remote passive -> local should be active, got %s", got)
	}
}

func TestOffererMirrorsAnswer(t *testing.T) {
	if got := resolveOffererSetup(SetupActive); got != SetupPassive {
		t.Fatalf("remote answer active -> local should be passive, got %s", got)
	}
	if got := resolveOffererSetup(SetupPassive); got != SetupActive {
		t.Fatalf("remote answer passive -> local should be active, got %s", got)
	}
}

func TestParseSetupRole(t *testing.T) {
	cases := map[string]SetupRole{
		"active":  SetupActive,
		"ACTIVE":  SetupActive,
		"passive": SetupPassive,
		"actpass": SetupActPass,
		"":        SetupActPass,
		"garbage": SetupActPass,
	}
	for in, want := range cases {
		if got := parseSetupRole(in); got != want {
			t.Errorf("parseSetupRole(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestDTLSRoleIsClient(t *testing.T) {
	if !dtlsRoleIsClient(SetupActive) {
		t.Fatal("active setup should drive the DTLS client role")
	}
	if dtlsRoleIsClient(SetupPassive) {
		t.Fatal("passive setup should drive the DTLS server role")
	}
}
