package classifier

import (
	"regexp"
	"strconv"
	"strings"
)

// Facts are the best-effort attributes pulled out of free text.
// Has* is false when the text does not state the value; an unknown price is
// not a zero price.
type Facts struct {
	Price     float64
	HasPrice  bool
	PriceText string
	Rooms     float64
	HasRooms  bool
	Location  string
}

func Extract(text string) Facts {
	var f Facts
	f.Price, f.PriceText, f.HasPrice = ExtractPrice(text)
	f.Rooms, f.HasRooms = ExtractRooms(text)
	f.Location = ExtractLocation(text)
	return f
}

type pricePattern struct {
	re   *regexp.Regexp
	mult float64
}

const amount = `(\d{1,3}(?:,\d{3})+|\d+(?:\.\d+)?)`

// Ordered: the first pattern that yields a number wins.
var pricePatterns = []pricePattern{
	{regexp.MustCompile(`(?i)\$\s?` + amount), 1},
	{regexp.MustCompile(`₪\s?` + amount), 1},
	{regexp.MustCompile(`(?i)` + amount + `\s*(?:dollars?|\$|₪|ש"ח|ש״ח|שח|nis|shekels?)`), 1},
	{regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*k\b`), 1000},
	{regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*thousand`), 1000},
}

// ExtractPrice returns the first price stated in text, the matched snippet
// and whether one was found.
func ExtractPrice(text string) (float64, string, bool) {
	for _, p := range pricePatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
			if err != nil || v <= 0 {
				continue
			}
			return v * p.mult, strings.TrimSpace(m[0]), true
		}
	}
	return 0, "", false
}

var (
	roomsRe    = regexp.MustCompile(`(?i)(\d+(?:\.5)?)\s*-?\s*(?:(?:rooms?|bedrooms?|bdrms?|br)\b|חדרים|חד׳|חד')`)
	roomsWords = []struct {
		word  string
		rooms float64
	}{
		{"חדר וחצי", 1.5},
		{"חדר אחד", 1},
		{"סטודיו", 1},
		{"studio", 1},
	}
)

// ExtractRooms returns the room count stated in text.
func ExtractRooms(text string) (float64, bool) {
	if m := roomsRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			return v, true
		}
	}
	lower := strings.ToLower(text)
	for _, w := range roomsWords {
		if strings.Contains(lower, w.word) {
			return w.rooms, true
		}
	}
	return 0, false
}

var locationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:ברחוב|רחוב|בשכונת|שכונת)\s+[^\s,.!?]+(?:\s+[^\s,.!?\d]+)?`),
	regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\s+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd)\b`),
	regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*,\s*[A-Z]{2}\b`),
}

// ExtractLocation returns a street or neighbourhood mention, or "".
func ExtractLocation(text string) string {
	for _, re := range locationPatterns {
		if m := re.FindString(text); m != "" {
			return strings.TrimSpace(m)
		}
	}
	return ""
}
