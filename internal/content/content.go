package content

import (
	"errors"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidChannel  = errors.New("invalid channel")

	policy    = bluemonday.UGCPolicy()
	nameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

const maxNameLength = 64

// Sanitize removes unsafe HTML from chat content. The result is HTML, so
// text is entity-encoded: "a & b" becomes "a &amp; b". Only clients that
// render content as HTML should receive sanitised messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if err := validateName(username); err != nil {
		return errors.Join(ErrInvalidUsername, err)
	}
	return nil
}

// ValidateChannel applies the username alphabet to channel names. Colons are
// excluded so that store keys built from channel names stay unambiguous.
func ValidateChannel(channel string) error {
	if err := validateName(channel); err != nil {
		return errors.Join(ErrInvalidChannel, err)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("cannot be empty")
	}
	if len(name) > maxNameLength {
		return errors.New("too long")
	}
	if !nameRegex.MatchString(name) {
		return errors.New("contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
