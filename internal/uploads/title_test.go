package uploads

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTitle(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "trims", in: "  My stream  ", want: "My stream"},
		{name: "strips brackets", in: "<b>Live</b> now", want: "bLive/b now"},
		{name: "composes", in: "Cafe\u0301", want: "Caf\u00e9"},
		{name: "empty", in: "  <> ", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeTitle(tc.in))
		})
	}
}

func TestNormalizeTitleCapsRunes(t *testing.T) {
	long := strings.Repeat("é", 150)
	got := NormalizeTitle(long)
	assert.Equal(t, MaxTitleRunes, utf8.RuneCountInString(got))
}
