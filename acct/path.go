// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package acct

import (
	"os"
	"path/filepath"
	"strings"
)

// CleanAndExpandPath expands environment variables and a leading ~ or ~/ in
// the path, and cleans the result. The home directory falls back to the
// working directory if it cannot be determined. Paths of the form ~otheruser
// are not expanded.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}
	// $VARIABLE form only. Windows %VARIABLE% is not expanded.
	path = os.ExpandEnv(path)

	rest, found := strings.CutPrefix(path, "~")
	if !found || (rest != "" && !os.IsPathSeparator(rest[0]) && rest[0] != '/') {
		return filepath.Clean(path)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, rest)
}
