package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/snapapi/internal/apperrors"
)

func TestSlugify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label string
		want  string
	}{
		{"Midterm Grade", "midterm-grade"},
		{"  Final -- Project  ", "final-project"},
		{"Résumé  v2!", "resume-v2"},
		{"HW_1", "hw_1"},
		{"_lab_", "lab"},
		{"--x--", "x"},
		{"a\tb\nc", "a-b-c"},
		{"ﬁle", "file"},
		{"日本語", ""},
		{"../../etc", "etc"},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Slugify(tt.label))
		})
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	day := time.Date(2024, 3, 1, 23, 59, 0, 0, time.Local)

	name, err := Name("Midterm Grade", day)
	require.NoError(t, err)
	assert.Equal(t, "midterm-grade_2024-03-01", name)

	_, err = Name("!!!", day)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestValidateSegment(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateSegment("owner", "1001"))
	assert.NoError(t, ValidateSegment("snapshot name", "midterm-grade_2024-03-01"))
	assert.ErrorIs(t, ValidateSegment("owner", ""), apperrors.ErrMissingField)

	for _, bad := range []string{".", "..", "a/b", `a\b`, "../1002", "a\x00b"} {
		err := ValidateSegment("owner", bad)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, bad)
		assert.ErrorIs(t, err, apperrors.ErrInvalidSegment, bad)
	}
}
