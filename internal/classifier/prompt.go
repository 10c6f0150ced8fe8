package classifier

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed reports a backend answer that is neither "match" nor
// "no match".
var ErrMalformed = errors.New("classifier: malformed backend response")

// BuildPrompt renders the binary classification prompt for one post.
func BuildPrompt(content string, c Criteria) string {
	var b strings.Builder
	b.WriteString("Analyze this apartment post:\n\n")
	fmt.Fprintf(&b, "%q\n\n", strings.TrimSpace(content))
	b.WriteString("Check these criteria strictly:\n\n")
	b.WriteString(c.describe())
	b.WriteString("\nDECISION RULES:\n")
	b.WriteString("- If any criterion fails = \"no match\"\n")
	b.WriteString("- If all criteria pass or default = \"match\"\n\n")
	b.WriteString("Answer (only \"match\" or \"no match\"):")
	return b.String()
}

// ParseDecision maps the backend's answer to a binary decision. Only the
// bare answers "match" and "no match" are accepted, ignoring case,
// surrounding quotes and punctuation; anything else is ErrMalformed.
func ParseDecision(resp string) (bool, error) {
	s := strings.ToLower(strings.TrimSpace(resp))
	s = strings.Trim(s, "\"'`.,;:!?*_ \n\r\t")
	s = strings.Join(strings.Fields(s), " ")
	switch s {
	case "":
		return false, fmt.Errorf("%w: empty", ErrMalformed)
	case "match":
		return true, nil
	case "no match":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrMalformed, truncate(s, 60))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
