package geolite

import (
	"path/filepath"
	"testing"
)

func TestNilLocatorIsSafe(t *testing.T) {
	var l *Locator
	if l.Available() {
		t.Fatal("nil Locator reports available")
	}
	if loc := l.Lookup("8.8.8.8"); loc != (Location{}) {
		t.Fatalf("Lookup returned %+v, want empty", loc)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

func TestOpenWithoutDatabases(t *testing.T) {
	if _, err := Open("", ""); err == nil {
		t.Fatal("Open accepted an empty configuration")
	}
	missing := filepath.Join(t.TempDir(), CountryFileName)
	if _, err := Open(missing, ""); err == nil {
		t.Fatal("Open accepted a missing database file")
	}
}
