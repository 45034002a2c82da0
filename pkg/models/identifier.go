package models

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxColumnNameLength is the physical identifier limit of the frame store.
const MaxColumnNameLength = 63

// ReservedColumnPrefix marks store-internal columns such as the row id.
const ReservedColumnPrefix = "__"

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	invalidRun        = regexp.MustCompile(`[^A-Za-z0-9_]+`)
	underscoreRun     = regexp.MustCompile(`_{2,}`)
)

// ValidateColumnName checks that name may appear in condition expressions
// and as a physical column identifier.
func ValidateColumnName(name string) error {
	if name == "" {
		return fmt.Errorf("column name cannot be empty")
	}
	if len(name) > MaxColumnNameLength {
		return fmt.Errorf("column name %q exceeds %d characters", name, MaxColumnNameLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("column name %q must contain only letters, digits and underscore and must not start with a digit", name)
	}
	if strings.HasPrefix(name, ReservedColumnPrefix) {
		return fmt.Errorf("column name %q must not start with %q", name, ReservedColumnPrefix)
	}
	return nil
}

// Sluggify turns an arbitrary source header into a legal column name:
// accents are stripped, runs of other characters become one underscore,
// and a leading digit gets a "c_" prefix.
func Sluggify(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, strings.TrimSpace(name))
	if err != nil {
		plain = name
	}

	slug := invalidRun.ReplaceAllString(plain, "_")
	slug = underscoreRun.ReplaceAllString(slug, "_")
	slug = strings.Trim(slug, "_")
	if slug == "" {
		slug = "column"
	}
	if slug[0] >= '0' && slug[0] <= '9' {
		slug = "c_" + slug
	}
	if len(slug) > MaxColumnNameLength {
		slug = strings.TrimRight(slug[:MaxColumnNameLength], "_")
	}
	return slug
}
