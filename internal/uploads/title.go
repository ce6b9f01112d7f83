package uploads

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxTitleRunes is the longest title the platform accepts.
const MaxTitleRunes = 100

// NormalizeTitle returns title in NFC form with angle brackets removed,
// surrounding space trimmed and at most MaxTitleRunes runes.
func NormalizeTitle(title string) string {
	title = norm.NFC.String(title)
	title = strings.Map(func(r rune) rune {
		if r == '<' || r == '>' {
			return -1
		}
		return r
	}, title)
	title = strings.TrimSpace(title)
	runes := []rune(title)
	if len(runes) > MaxTitleRunes {
		title = strings.TrimSpace(string(runes[:MaxTitleRunes]))
	}
	return title
}
