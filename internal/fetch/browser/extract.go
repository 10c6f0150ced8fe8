package browser

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"rentwatch/internal/post"
)

// article is one feed unit as collected by collectJS.
type article struct {
	Text     string   `json:"text"`
	Messages []string `json:"messages"`
	Author   string   `json:"author"`
	UTime    int64    `json:"utime"`
	Links    []anchor `json:"links"`
}

type anchor struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// collectJS gathers every article on the page in one round trip.
const collectJS = `() => Array.from(document.querySelectorAll('[role="article"]')).map(a => {
	const author = a.querySelector('strong a, h3 a, [data-testid="story-subtitle"] a, .actor a');
	const utime = a.querySelector('abbr[data-utime]');
	return {
		text: a.innerText || '',
		messages: Array.from(a.querySelectorAll('[data-testid="post_message"], .userContent, div[dir="auto"]')).map(m => m.innerText || ''),
		author: author ? (author.innerText || '') : '',
		utime: utime ? (Number(utime.getAttribute('data-utime')) || 0) : 0,
		links: Array.from(a.querySelectorAll('a[href]')).map(l => ({href: l.href || '', text: l.innerText || ''})),
	};
})`

const scrollJS = `() => window.scrollTo(0, document.body.scrollHeight)`

const baseURL = "https://www.facebook.com"

// uiNoise are whole lines that are feed controls, not post text.
var uiNoise = map[string]bool{
	"Like": true, "Comment": true, "Share": true, "Reply": true,
	"Follow": true, "See more": true, "See translation": true, "Write a comment…": true,
	"לייק": true, "השב": true, "שיתוף": true, "תגובה": true, "הגב": true,
	"הצג עוד": true, "ראה עוד": true, "הצג תרגום": true,
}

// relativeTime matches short relative timestamps such as "3h", "12 min" or
// "5 דקות".
var relativeTime = regexp.MustCompile(`^(\d+\s*(h|m|d|w|min|mins|hr|hrs)|just now|yesterday|אתמול|עכשיו)$`)

var timeWords = []string{"דקות", "דקה", "שעות", "שעה", "minutes", "hours", "ש", "h"}

func isNoiseLine(line string) bool {
	if uiNoise[line] {
		return true
	}
	low := strings.ToLower(line)
	if relativeTime.MatchString(low) {
		return true
	}
	if utf8.RuneCountInString(line) < 15 {
		for _, w := range timeWords {
			if line == w || (len(w) > 2 && strings.Contains(low, w)) {
				return true
			}
		}
	}
	return false
}

// cleanText drops empty and UI-noise lines, keeping line order.
func cleanText(text string) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isNoiseLine(line) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// substantial reports whether text holds at least one real line of prose.
func substantial(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if utf8.RuneCountInString(line) > 10 && !uiNoise[line] {
			return true
		}
	}
	return false
}

// pickContent prefers the first dedicated message container with real text,
// then the cleaned article text.
func pickContent(a article) string {
	for _, m := range a.Messages {
		m = strings.TrimSpace(m)
		if utf8.RuneCountInString(m) > 10 {
			return cleanText(m)
		}
	}
	return cleanText(a.Text)
}

// permalink returns the post's own link: the first anchor pointing at a
// permalink or posts path, made absolute.
func permalink(links []anchor) string {
	for _, l := range links {
		h := strings.TrimSpace(l.Href)
		if h == "" {
			continue
		}
		if strings.Contains(h, "/permalink/") || strings.Contains(h, "/posts/") {
			if strings.HasPrefix(h, "/") {
				h = baseURL + h
			}
			return h
		}
	}
	return ""
}

func isCommentLink(link string) bool {
	return strings.Contains(link, "comment_id=")
}

// toRawItems converts collected articles to raw items in page order. It
// skips comments, short texts and links already seen on this page, and
// stops at max (max <= 0 means no cap).
func toRawItems(arts []article, max, minRunes int) []post.RawItem {
	if minRunes <= 0 {
		minRunes = defaultMinContentRunes
	}
	var out []post.RawItem
	seen := make(map[string]bool)
	for _, a := range arts {
		if max > 0 && len(out) >= max {
			break
		}
		if utf8.RuneCountInString(strings.TrimSpace(a.Text)) < 20 || !substantial(a.Text) {
			continue
		}
		link := permalink(a.Links)
		if isCommentLink(link) {
			continue
		}
		if link != "" {
			key := post.NormalizeLink(link)
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		content := pickContent(a)
		if utf8.RuneCountInString(content) <= minRunes {
			continue
		}
		raw := post.RawItem{
			Content: content,
			Author:  strings.TrimSpace(a.Author),
			Link:    link,
		}
		if a.UTime > 0 {
			raw.Timestamp = time.Unix(a.UTime, 0).UTC()
		}
		out = append(out, raw)
	}
	return out
}
