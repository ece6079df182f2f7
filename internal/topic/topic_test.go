package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFilter(t *testing.T) {
	valid := []string{"a", "a/b/c", "a/+/c", "a/#", "#", "+", "+/+", "sport/tennis/#"}
	for _, f := range valid {
		require.NoError(t, ValidateFilter(f), f)
	}

	invalid := []string{"", "a/#/b", "a/b#", "a/fo+", "a/+b"}
	for _, f := range invalid {
		assert.Error(t, ValidateFilter(f), f)
	}
}

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName("a/x/c"))
	assert.Error(t, ValidateName(""))
	assert.Error(t, ValidateName("a/+/c"))
	assert.Error(t, ValidateName("a/#"))
}

func TestMatchesBoundaries(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"#", "a", true},
		{"#", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d/c", false},
		{"a/#", "a", true},
		{"a/#", "a/b", true},
		{"a/#", "a/b/c", true},
		{"a/b", "a/b/c", false},
		{"sport/tennis/+", "sport/tennis/player1", true},
		{"sport/tennis/+", "sport/tennis/player1/ranking", false},
		{"+", "$SYS/foo", false},
		{"$SYS/#", "$SYS/foo", true},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, Matches(c.filter, c.topic), "%s vs %s", c.filter, c.topic)
	}
}
