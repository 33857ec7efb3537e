package config

import (
	"fmt"
	"os"
	"strings"
)

// CheckConfigPermissions inspects the config file mode.
//
// The file may carry NATS credentials inside nats_url, so it must be owner
// readable and never writable by group or others. Read access beyond the
// owner only yields a warning.
func CheckConfigPermissions(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("config path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat config %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("config %s must be a regular file", path)
	}
	perms := info.Mode().Perm()
	switch {
	case perms&0o400 == 0:
		return "", fmt.Errorf("config %s must be readable by owner (mode %04o)", path, perms)
	case perms&0o022 != 0:
		return "", fmt.Errorf("config %s must not be writable by group or others (mode %04o)", path, perms)
	case perms&0o044 != 0:
		return fmt.Sprintf("config %s is readable beyond its owner (mode %04o); consider chmod 0600", path, perms), nil
	}
	return "", nil
}
