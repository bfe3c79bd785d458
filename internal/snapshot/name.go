package snapshot

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/fclairamb/snapapi/internal/apperrors"
)

var (
	slugDisallowed = regexp.MustCompile(`[^\w\s-]`)
	slugSeparators = regexp.MustCompile(`[-\s]+`)
)

// Slugify turns a free-text label into a lowercase, hyphenated, ASCII-only name.
// "Midterm Grade" becomes "midterm-grade"; "Résumé  v2!" becomes "resume-v2".
func Slugify(label string) string {
	var ascii strings.Builder
	ascii.Grow(len(label))
	for _, r := range norm.NFKD.String(label) {
		if r <= unicode.MaxASCII {
			ascii.WriteRune(r)
		}
	}

	slug := slugDisallowed.ReplaceAllString(ascii.String(), "")
	slug = strings.ToLower(slug)
	slug = slugSeparators.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-_")
}

// Name computes the snapshot name for label on the local calendar date of now.
func Name(label string, now time.Time) (string, error) {
	slug := Slugify(label)
	if slug == "" {
		return "", apperrors.New(apperrors.KindInvalidInput, "snapshot.name",
			"label %q has no usable characters", label)
	}
	return slug + "_" + now.Format(time.DateOnly), nil
}

// ValidateSegment checks that value can be used as one path component.
func ValidateSegment(field, value string) error {
	switch {
	case value == "":
		return apperrors.New(apperrors.KindMissingField, "", "%s is required", field)
	case value == "." || value == "..",
		strings.ContainsAny(value, `/\`),
		strings.ContainsRune(value, 0):
		return &apperrors.Error{
			Kind: apperrors.KindInvalidInput,
			Msg:  field + " " + value,
			Err:  apperrors.ErrInvalidSegment,
		}
	}
	return nil
}
