package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_IsValidGUID(t *testing.T) {
	v := New(0)

	tests := []struct {
		name string
		guid string
		want bool
	}{
		{"email style", "evil@ext", true},
		{"email style with dots", "my.addon_1@example.com", true},
		{"empty local part", "@jetpack", true},
		{"braced uuid", "{12345678-abcd-ABCD-1234-1234567890ab}", true},
		{"bare uuid", "12345678-abcd-abcd-1234-1234567890ab", false},
		{"no at sign", "evil", false},
		{"spaces", "evil @ext", false},
		{"too long", strings.Repeat("a", MaxGUIDLength) + "@x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.IsValidGUID(tt.guid))
		})
	}
}

func TestValidator_ParseGUIDs(t *testing.T) {
	v := New(3)

	got, err := v.ParseGUIDs("  a@x\nb@y, a@x\t{12345678-abcd-abcd-1234-1234567890ab} ")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x", "b@y", "{12345678-abcd-abcd-1234-1234567890ab}"}, got)

	_, err = v.ParseGUIDs("a@x b@y c@z d@w")
	assert.ErrorContains(t, err, "too many guids")

	_, err = v.ParseGUIDs("a@x not-a-guid")
	assert.ErrorContains(t, err, "not-a-guid")

	_, err = v.ParseGUIDs("   ")
	assert.Error(t, err)
}

func TestValidator_ValidateVersionIDs(t *testing.T) {
	v := New(0)

	got, err := v.ValidateVersionIDs([]int64{3, 1, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1}, got)

	_, err = v.ValidateVersionIDs(nil)
	assert.Error(t, err)

	_, err = v.ValidateVersionIDs([]int64{1, 0})
	assert.Error(t, err)
}
