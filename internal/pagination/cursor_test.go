package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 30, 0, 123456000, time.UTC)

	encoded := Encode(ts, "esc_loan_42")
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, ts.Equal(cursor.CreatedAt))
	assert.Equal(t, "esc_loan_42", cursor.ID)
	assert.Equal(t, encoded, cursor.Encode())
}

func TestDecode_IDMayContainSeparator(t *testing.T) {
	cursor, err := Decode(Encode(time.Unix(0, 5), "a|b"))
	require.NoError(t, err)
	assert.Equal(t, "a|b", cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for name, in := range map[string]string{
		"not base64":   "not-base64!!!",
		"no separator": base64.URLEncoding.EncodeToString([]byte("nopipe")),
		"no id":        base64.URLEncoding.EncodeToString([]byte("123|")),
		"bad time":     base64.URLEncoding.EncodeToString([]byte("soon|esc_1")),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestComputePage_NoMore(t *testing.T) {
	items := []string{"a", "b", "c"}
	result, cursor, hasMore := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, result, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePage_HasMore(t *testing.T) {
	items := []string{"d", "c", "b", "a"}
	result, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Equal(t, []string{"d", "c", "b"}, result)
	assert.True(t, hasMore)

	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
}

func TestComputePage_ExactLimit(t *testing.T) {
	items := []string{"a", "b", "c"}
	result, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, result, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}
