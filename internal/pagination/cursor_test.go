package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	want := Cursor{
		CreatedAt: time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC),
		ID:        "esc_9f2c1",
	}

	got, err := Decode(want.Encode())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.CreatedAt, got.CreatedAt)
	assert.Equal(t, want.ID, got.ID)
}

func TestDecodeEmptyMeansNewest(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, token := range []string{
		"%%%not-base64",
		base64.RawURLEncoding.EncodeToString([]byte("noseparator")),
		base64.RawURLEncoding.EncodeToString([]byte("12345:")),
		base64.RawURLEncoding.EncodeToString([]byte("notanumber:esc_1")),
	} {
		_, err := Decode(token)
		assert.ErrorIs(t, err, ErrInvalidCursor, "token %q", token)
	}
}

func TestComputePageUnderLimit(t *testing.T) {
	rows := []string{"a", "b", "c"}
	page, next, more := ComputePage(rows, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)
}

func TestComputePageTrimsExtraRow(t *testing.T) {
	rows := []string{"a", "b", "c", "d"}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	page, next, more := ComputePage(rows, 3, func(s string) (time.Time, string) {
		return at, s
	})
	assert.Len(t, page, 3)
	assert.True(t, more)

	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID, "cursor must point at the last returned row")
	assert.Equal(t, at, c.CreatedAt)
}

func TestComputePageExactLimit(t *testing.T) {
	rows := []string{"a", "b", "c"}
	page, next, more := ComputePage(rows, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)
}
