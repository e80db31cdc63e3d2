// Package pathutil expands user supplied file locations (certificate
// bundles, key pairs, config files).
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands $VAR / ${VAR} tokens and a leading "~" in p.
// Relative paths stay relative.
func ExpandUserAndEnv(p string) (string, error) {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "" || p[0] != '~' {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home for %q: %w", p, err)
	}
	switch {
	case len(p) == 1:
		return home, nil
	case p[1] == '/' || p[1] == '\\':
		return filepath.Join(home, p[2:]), nil
	default:
		// ~user forms are left to the shell.
		return p, nil
	}
}

// ExpandInPlace runs ExpandUserAndEnv over every non-nil pointer and stops
// at the first failure.
func ExpandInPlace(paths ...*string) error {
	for _, p := range paths {
		if p == nil {
			continue
		}
		expanded, err := ExpandUserAndEnv(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}
