package analyzer

import (
	"strings"

	"golang.org/x/net/html"
)

// StripHTML removes markup from tool-reported text, keeping only the visible
// character data. The dynamic scanner embeds <p> and <a> tags in alert
// descriptions; none of that may reach the translation layer or the user.
func StripHTML(s string) string {
	if !strings.ContainsRune(s, '<') {
		return collapseSpace(s)
	}
	var b strings.Builder
	tok := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := tok.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			b.Write(tok.Text())
			b.WriteByte(' ')
		}
	}
	return collapseSpace(b.String())
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
