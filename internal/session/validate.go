package session

import (
	"fmt"
	"regexp"
)

// Session names become directory components under ~/.talk/sessions, so
// anything outside this set is rejected before any path is built.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot safely name a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
