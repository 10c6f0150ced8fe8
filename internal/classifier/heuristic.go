package classifier

import (
	"fmt"
	"strings"
)

// Heuristic is the offline decision used when the backend cannot answer.
// It rejects only on an excluded keyword or a stated price above the
// maximum; everything else is accepted so a down backend never hides a
// listing.
func Heuristic(content string, c Criteria, f Facts) (match bool, reason string) {
	lower := strings.ToLower(content)
	for _, kw := range c.ExcludedKeywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return false, fmt.Sprintf("excluded keyword %q", kw)
		}
	}
	if c.MaxPrice > 0 && f.HasPrice && f.Price > c.MaxPrice {
		return false, fmt.Sprintf("price %s exceeds max %s", formatNumber(f.Price), formatNumber(c.MaxPrice))
	}
	return true, "no rule rejected"
}
