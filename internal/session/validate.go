package session

import (
	"fmt"
	"regexp"
)

// Session names become directory, socket and lock path components, so
// the accepted alphabet is deliberately narrow.
var validName = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot safely form session paths.
func ValidateName(name string) error {
	if validName.MatchString(name) {
		return nil
	}
	return fmt.Errorf("invalid session name %q: use 1-64 chars of a-z, 0-9, '-' or '_'", name)
}
