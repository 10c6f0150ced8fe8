package classifier

import (
	"fmt"
	"strconv"
	"strings"
)

// Criteria describes what the operator is looking for. Every field is
// optional; the zero value accepts everything.
type Criteria struct {
	MaxPrice         float64
	MinRooms         float64
	RequiredKeywords []string
	ExcludedKeywords []string
	Intent           string
}

func (c Criteria) IsZero() bool {
	return c.MaxPrice <= 0 && c.MinRooms <= 0 &&
		len(c.RequiredKeywords) == 0 && len(c.ExcludedKeywords) == 0 &&
		strings.TrimSpace(c.Intent) == ""
}

// Matched lists the criteria a matching item satisfies, as short labels
// ("price<=5900", "rooms>=3", "keyword:balcony").
func (c Criteria) Matched(content string, f Facts) []string {
	var out []string
	if c.MaxPrice > 0 && f.HasPrice && f.Price <= c.MaxPrice {
		out = append(out, "price<="+formatNumber(c.MaxPrice))
	}
	if c.MinRooms > 0 && f.HasRooms && f.Rooms >= c.MinRooms {
		out = append(out, "rooms>="+formatNumber(c.MinRooms))
	}
	lower := strings.ToLower(content)
	for _, kw := range c.RequiredKeywords {
		kw = strings.TrimSpace(kw)
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			out = append(out, "keyword:"+kw)
		}
	}
	return out
}

// describe renders the criteria as numbered prompt rules.
func (c Criteria) describe() string {
	var b strings.Builder
	n := 0
	rule := func(format string, args ...any) {
		n++
		fmt.Fprintf(&b, "%d. ", n)
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	if s := strings.TrimSpace(c.Intent); s != "" {
		rule("INTENT - %s", s)
	}
	if c.MinRooms > 0 {
		rule("ROOMS - at least %s rooms. No room count mentioned = FAIL.", formatNumber(c.MinRooms))
	}
	if c.MaxPrice > 0 {
		rule("PRICE - %s or less. No price mentioned = PASS.", formatNumber(c.MaxPrice))
	}
	if len(c.RequiredKeywords) > 0 {
		rule("MUST MENTION - %s.", strings.Join(c.RequiredKeywords, ", "))
	}
	if len(c.ExcludedKeywords) > 0 {
		rule("MUST NOT MENTION - %s.", strings.Join(c.ExcludedKeywords, ", "))
	}
	if n == 0 {
		rule("Any post offering a place = PASS.")
	}
	return b.String()
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
