package tgui

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// H is HTML that is safe to send with ParseMode="HTML".
// Values of type H are already escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H     { return wrap("b", Esc(s)) }
func I(s string) H     { return wrap("i", Esc(s)) }
func Code(s string) H  { return wrap("code", Esc(s)) }
func Quote(s string) H { return wrap("blockquote", Esc(s)) }

// Link builds an HTML link. An empty url renders the escaped text only.
func Link(text, url string) H {
	if strings.TrimSpace(url) == "" {
		return Esc(text)
	}
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// JoinH joins non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// Plain strips tags and unescapes entities, for resending a message whose
// markup the API refused.
func Plain(h H) string {
	return html.UnescapeString(tagRe.ReplaceAllString(h.String(), ""))
}
