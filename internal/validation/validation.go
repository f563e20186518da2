package validation

import (
	"errors"
	"strings"
	"unicode"
)

const maxLocationRunes = 32

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooLong is returned when location exceeds maxLocationRunes.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// ErrCredentialEmpty is returned when the access credential is blank.
var ErrCredentialEmpty = errors.New("credential is required")

// ErrCredentialInvalidChars is returned when the credential contains characters
// outside letters, digits and hyphen.
var ErrCredentialInvalidChars = errors.New("credential contains invalid characters")

// ValidateLocation trims the configured station/location name and restricts it
// to letters (any script, so 臺北 passes), digits, space and hyphen.
func ValidateLocation(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrLocationEmpty
	}
	if len(r) > maxLocationRunes {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !unicode.IsLetter(c) && !unicode.IsNumber(c) && c != ' ' && c != '-' {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

// ValidateCredential trims the credential and checks it is a plain token
// (e.g. CWB-34000862-50AF-...). It does not contact the endpoint.
func ValidateCredential(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrCredentialEmpty
	}
	for _, c := range s {
		if c > unicode.MaxASCII || !(unicode.IsLetter(c) || unicode.IsDigit(c) || c == '-') {
			return "", ErrCredentialInvalidChars
		}
	}
	return s, nil
}
