// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package acct

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCleanAndExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	t.Setenv("ACCT_TEST_DIR", "/var/acct")
	for _, tt := range []struct {
		in, exp string
	}{
		{"", ""},
		{"~", home},
		{"~/data/x.db", filepath.Join(home, "data", "x.db")},
		{"$ACCT_TEST_DIR/logs/../x.log", filepath.Clean("/var/acct/x.log")},
		{"~bob/data", filepath.Clean("~bob/data")},
		{"/tmp//a/", "/tmp/a"},
	} {
		if got := CleanAndExpandPath(tt.in); got != tt.exp {
			t.Fatalf("%q: expected %q, got %q", tt.in, tt.exp, got)
		}
	}
}
