// Package validate enforces shape, length, and charset rules on incoming
// form submissions and sanitizes fields before persistence.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	maxNameLen    = 50
	maxEmailLen   = 100
	maxAddressLen = 200
	minAge        = 18
	maxAge        = 120
)

var (
	nameRe  = regexp.MustCompile(`^[A-Za-z\s'-]+$`)
	emailRe = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)
	phoneRe = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)
	dobRe   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	tagRe   = regexp.MustCompile(`<[^>]*>`)
	digitRe = regexp.MustCompile(`\D`)
)

// SubmissionInput is the raw form payload.
type SubmissionInput struct {
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	Email          string `json:"email"`
	Phone          string `json:"phone,omitempty"`
	Address        string `json:"address,omitempty"`
	DateOfBirth    string `json:"dateOfBirth,omitempty"`
	TurnstileToken string `json:"turnstileToken"`
}

// Sanitize trims whitespace, normalizes Unicode to NFC, and strips HTML
// tags from the string fields. The token is left untouched.
func Sanitize(in SubmissionInput) SubmissionInput {
	in.FirstName = clean(in.FirstName)
	in.LastName = clean(in.LastName)
	in.Email = clean(in.Email)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Address = clean(in.Address)
	in.DateOfBirth = strings.TrimSpace(in.DateOfBirth)
	return in
}

func clean(s string) string {
	s = norm.NFC.String(s)
	s = tagRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Check validates a sanitized input. It returns the full list of field
// errors so the caller can report them all at once.
func Check(in SubmissionInput, now time.Time) []string {
	var errs []string

	errs = appendNameErr(errs, "firstName", in.FirstName)
	errs = appendNameErr(errs, "lastName", in.LastName)

	switch {
	case in.Email == "":
		errs = append(errs, "email: required")
	case len(in.Email) > maxEmailLen:
		errs = append(errs, fmt.Sprintf("email: must be at most %d characters", maxEmailLen))
	case !emailRe.MatchString(in.Email):
		errs = append(errs, "email: invalid format")
	}

	if in.Phone != "" {
		if !phoneRe.MatchString(in.Phone) {
			errs = append(errs, "phone: must be E.164")
		} else if n := len(digitRe.ReplaceAllString(in.Phone, "")); n < 7 || n > 15 {
			errs = append(errs, "phone: must contain 7-15 digits")
		}
	}

	if len(in.Address) > maxAddressLen {
		errs = append(errs, fmt.Sprintf("address: must be at most %d characters", maxAddressLen))
	}

	if in.DateOfBirth != "" {
		if err := checkDOB(in.DateOfBirth, now); err != "" {
			errs = append(errs, err)
		}
	}

	if in.TurnstileToken == "" {
		errs = append(errs, "turnstileToken: required")
	}
	return errs
}

func appendNameErr(errs []string, field, value string) []string {
	switch {
	case value == "":
		return append(errs, field+": required")
	case len(value) > maxNameLen:
		return append(errs, fmt.Sprintf("%s: must be 1-%d characters", field, maxNameLen))
	case !nameRe.MatchString(value):
		return append(errs, field+": contains invalid characters")
	}
	return errs
}

func checkDOB(dob string, now time.Time) string {
	if !dobRe.MatchString(dob) {
		return "dateOfBirth: must be YYYY-MM-DD"
	}
	t, err := time.Parse("2006-01-02", dob)
	if err != nil {
		return "dateOfBirth: invalid date"
	}
	age := Age(t, now)
	if age < minAge || age > maxAge {
		return fmt.Sprintf("dateOfBirth: age must be between %d and %d", minAge, maxAge)
	}
	return ""
}

// Age computes whole years elapsed between dob and now.
func Age(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	anniversary := dob.AddDate(years, 0, 0)
	if anniversary.After(now) {
		years--
	}
	return years
}
