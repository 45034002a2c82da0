package datasource

import (
	"regexp"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
)

// identifierPart matches one unquoted segment of a table name.
var identifierPart = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$ -]*$`)

// CheckTableName screens a user supplied table name before it is quoted into
// a statement. At most one schema qualifier is allowed.
func CheckTableName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperrors.FieldValidation("table", "table name is required")
	}
	if isSQLi, fingerprint := libinjection.IsSQLi(name); isSQLi {
		return apperrors.FieldValidation("table", "table name rejected (pattern %s)", fingerprint)
	}
	parts := SplitQualifiedName(name)
	if len(parts) > 2 {
		return apperrors.FieldValidation("table", "table name %q has too many qualifiers", name)
	}
	for _, p := range parts {
		if !identifierPart.MatchString(p) {
			return apperrors.FieldValidation("table", "invalid table name %q", name)
		}
	}
	return nil
}

// SplitQualifiedName splits "schema.table" into its parts.
func SplitQualifiedName(name string) []string {
	parts := strings.Split(strings.TrimSpace(name), ".")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// QuoteParts quotes every part with q and joins them with ".".
func QuoteParts(name string, q func(string) string) string {
	parts := SplitQualifiedName(name)
	for i, p := range parts {
		parts[i] = q(p)
	}
	return strings.Join(parts, ".")
}
