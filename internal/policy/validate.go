package policy

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxNameRunes     = 32
	minUsernameRunes = 3
	maxUsernameRunes = 20
)

var (
	namePattern     = regexp.MustCompile(`^[\p{L}\p{N}_\- .]+$`)
	usernamePattern = regexp.MustCompile(`^[\p{L}\p{N}_\-.]+$`)
)

// ValidateName checks a tag or user name: 1 to 32 letters, digits, spaces,
// dots, dashes or underscores.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("name must not be empty")
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		return "", fmt.Errorf("name must be at most %d characters", maxNameRunes)
	}
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("name may only contain letters, digits, spaces, dots, dashes and underscores")
	}
	return name, nil
}

// ValidateUsername checks a login name: 3 to 20 letters, digits, dots,
// dashes or underscores. Usernames double as personal tag names, so every
// valid username is also a valid name.
func ValidateUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < minUsernameRunes || n > maxUsernameRunes {
		return "", fmt.Errorf("username must be %d to %d characters", minUsernameRunes, maxUsernameRunes)
	}
	if !usernamePattern.MatchString(name) {
		return "", fmt.Errorf("username may only contain letters, digits, dots, dashes and underscores")
	}
	return name, nil
}

// ValidateEmail accepts an empty address or a bare address such as
// ann@example.com.
func ValidateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndexByte(email, '@'):], ".") {
		return "", fmt.Errorf("%q is not an email address", email)
	}
	return email, nil
}
