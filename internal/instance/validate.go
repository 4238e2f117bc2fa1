package instance

import (
	"fmt"
	"regexp"
)

var idRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateID checks that id conforms to instance naming rules. The id is
// used as a directory name and an object-storage key prefix, so the
// character set is deliberately narrow.
func ValidateID(id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("invalid instance id %q: must match ^[a-zA-Z0-9_-]{1,64}$", id)
	}
	return nil
}
