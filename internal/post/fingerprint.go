package post

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"
)

// identityParams are query parameters that carry a post's identity on
// permalink-style URLs. Everything else (tracking, referrers) is dropped.
var identityParams = map[string]bool{
	"story_fbid":       true,
	"id":               true,
	"fbid":             true,
	"multi_permalinks": true,
	"p":                true,
}

// Fingerprint returns the dedup key for a raw item.
//
// Items with a link are keyed by the normalized link so repeated fetches of
// an edited post map to the same record. Without a link the key hashes the
// whitespace-normalized content, the author and the source timestamp.
func Fingerprint(raw RawItem) string {
	if link := NormalizeLink(raw.Link); link != "" {
		return "l:" + digest(link)
	}
	ts := ""
	if !raw.Timestamp.IsZero() {
		ts = raw.Timestamp.UTC().Format(time.RFC3339)
	}
	return "c:" + digest(collapseSpace(raw.Content), collapseSpace(raw.Author), ts)
}

// NormalizeLink canonicalizes a post URL: lower-case host without "www." or
// "m.", no fragment, no trailing slash and only identity query parameters.
// It returns "" for empty or unparsable input.
func NormalizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")

	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		if identityParams[strings.ToLower(k)] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var qs strings.Builder
	for i, k := range keys {
		if i > 0 {
			qs.WriteByte('&')
		}
		qs.WriteString(url.QueryEscape(k))
		qs.WriteByte('=')
		qs.WriteString(url.QueryEscape(q.Get(k)))
	}

	path := strings.TrimRight(u.EscapedPath(), "/")
	out := host + path
	if qs.Len() > 0 {
		out += "?" + qs.String()
	}
	return out
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func collapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}
