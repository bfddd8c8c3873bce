package cronexpr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestMatches(t *testing.T) {
	cases := []struct {
		expr string
		now  string
		want bool
	}{
		{"* * * * *", "2024-01-10 13:37:42", true},
		{"0 * * * *", "2024-01-10 13:00:30", true},
		{"0 * * * *", "2024-01-10 13:01:00", false},
		{"30 3 * * *", "2024-01-10 03:30:00", true},
		{"30 3 * * *", "2024-01-10 04:30:00", false},
		{"0 9 * * 1", "2024-01-08 09:00:00", true}, // Monday
		{"0 9 * * 1", "2024-01-09 09:00:00", false},
		{"15 6 1 * *", "2024-02-01 06:15:00", true},
		{"15 6 1 * *", "2024-02-02 06:15:00", false},
		{"0 0 1 1 *", "2024-01-01 00:00:59", true},
		{"*/5 * * * *", "2024-01-10 10:25:00", true},
		{"*/5 * * * *", "2024-01-10 10:26:00", false},
		{"@hourly", "2024-01-10 10:00:00", true},
	}
	for _, tc := range cases {
		t.Run(tc.expr+" "+tc.now, func(t *testing.T) {
			e, err := Parse(tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.want, e.Matches(at(tc.now)))
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, expr := range []string{"", "* * *", "61 * * * *", "a b c d e", "* * * * * *"} {
		_, err := Parse(expr)
		assert.ErrorIs(t, err, ErrInvalid, expr)
	}
}

func TestZeroExprNeverMatches(t *testing.T) {
	var e Expr
	assert.False(t, e.Matches(time.Now()))
	assert.True(t, e.Next(time.Now()).IsZero())
}

func TestNext(t *testing.T) {
	e := MustParse("0 3 * * *")
	assert.Equal(t, at("2024-01-11 03:00:00"), e.Next(at("2024-01-10 03:00:00")))
	assert.Equal(t, at("2024-01-10 03:00:00"), e.Next(at("2024-01-10 02:59:59")))
}

func TestBuilders(t *testing.T) {
	s, err := Daily("07:05")
	require.NoError(t, err)
	assert.Equal(t, "5 7 * * *", s)

	s, err = Weekly(time.Friday, "18:00")
	require.NoError(t, err)
	assert.Equal(t, "0 18 * * 5", s)

	s, err = Monthly(1, "00:30")
	require.NoError(t, err)
	assert.Equal(t, "30 0 1 * *", s)

	_, err = Daily("25:00")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Monthly(0, "00:00")
	assert.ErrorIs(t, err, ErrInvalid)
}
