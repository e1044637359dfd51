package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOrigins(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{"https://a.example", []string{"https://a.example"}},
		{"https://a.example, https://b.example", []string{"https://a.example", "https://b.example"}},
		{" , , ", []string{"*"}},
		{"https://a.example,,https://b.example", []string{"https://a.example", "https://b.example"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseOrigins(tc.in), "input %q", tc.in)
	}
}
