package jid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_GroupAndUserPassThrough(t *testing.T) {
	got, err := Normalize("123456-789@g.us")
	require.NoError(t, err)
	assert.Equal(t, "123456-789@g.us", got)

	got, err = Normalize("628123@c.us")
	require.NoError(t, err)
	assert.Equal(t, "628123@c.us", got)

	got, err = Normalize("anything@weird.net")
	require.NoError(t, err)
	assert.Equal(t, "anything@weird.net", got)
}

func TestNormalize_PhoneForms(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"08123", "628123@c.us"},
		{"+628123", "628123@c.us"},
		{"8123", "628123@c.us"},
		{"628123", "628123@c.us"},
	}
	for _, c := range cases {
		got, err := Normalize(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestNormalize_UnsupportedFormat(t *testing.T) {
	_, err := Normalize("7123")
	require.Error(t, err)
}

func TestNormalize_Empty(t *testing.T) {
	_, err := Normalize("")
	require.Error(t, err)
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"08123", "+628123", "8123", "628123@c.us", "g1@g.us"}
	for _, in := range inputs {
		first, err := Normalize(in)
		require.NoError(t, err)
		second, err := Normalize(first)
		require.NoError(t, err)
		assert.Equal(t, first, second, in)
	}
}
