package app

import "testing"

func TestReadPort(t *testing.T) {
	t.Setenv("RDPGUARD_PORT_VALID", "12345")
	if got := readPort("RDPGUARD_PORT_VALID"); got != 12345 {
		t.Fatalf("readPort returned %d, want 12345", got)
	}

	t.Setenv("RDPGUARD_PORT_INVALID", "not-a-number")
	if got := readPort("RDPGUARD_PORT_INVALID"); got != 0 {
		t.Fatalf("readPort with invalid value returned %d, want 0", got)
	}

	t.Setenv("RDPGUARD_PORT_ZERO", "0")
	if got := readPort("RDPGUARD_PORT_ZERO"); got != 0 {
		t.Fatalf("readPort with zero value returned %d, want 0", got)
	}
}

func TestReadPortRejectsOutOfRange(t *testing.T) {
	t.Setenv("RDPGUARD_PORT_HIGH", "70000")
	if got := readPort("RDPGUARD_PORT_HIGH"); got != 0 {
		t.Fatalf("readPort with out-of-range value returned %d, want 0", got)
	}
}

func TestResolveSettingsPath(t *testing.T) {
	t.Setenv("RDPGUARD_SETTINGS", "/etc/rdpguard/settings.json")
	if got := resolveSettingsPath(""); got != "/etc/rdpguard/settings.json" {
		t.Fatalf("resolveSettingsPath returned %q, want env value", got)
	}
	if got := resolveSettingsPath("custom.json"); got != "custom.json" {
		t.Fatalf("resolveSettingsPath returned %q, want flag value", got)
	}
}

func TestResolvePort(t *testing.T) {
	t.Run("primary env overrides fallback", func(t *testing.T) {
		t.Setenv("API_PORT_TEST", "5050")
		if got := resolvePort("API_PORT_TEST", "LEGACY_PORT", 8080); got != 5050 {
			t.Fatalf("resolvePort returned %d, want 5050", got)
		}
	})

	t.Run("legacy env used when primary missing", func(t *testing.T) {
		t.Setenv("LEGACY_PORT", "6060")
		if got := resolvePort("PRIMARY_MISSING", "LEGACY_PORT", 8080); got != 6060 {
			t.Fatalf("resolvePort returned %d, want 6060", got)
		}
	})

	t.Run("fallback used when env unset", func(t *testing.T) {
		if got := resolvePort("UNSET_PRIMARY", "UNSET_LEGACY", 9090); got != 9090 {
			t.Fatalf("resolvePort returned %d, want 9090", got)
		}
	})
}
