package classifier

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExtractPrice(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"Lovely place, $1,500/month", 1500, true},
		{"rent 5,900 ₪ including arnona", 5900, true},
		{"₪4500 per month", 4500, true},
		{`מחיר 6500 ש"ח`, 6500, true},
		{"only 1500 dollars", 1500, true},
		{"asking 2k", 2000, true},
		{"around 2 thousand a month", 2000, true},
		{"3 rooms, 5,500", 0, false},
		{"no price here", 0, false},
	}
	for _, tc := range cases {
		got, _, ok := ExtractPrice(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ExtractPrice(%q)=(%v,%v) want (%v,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestExtractRooms(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"דירת 3.5 חדרים להשכרה", 3.5, true},
		{"4 rooms near the park", 4, true},
		{"cozy 2-bedroom", 2, true},
		{"חדר וחצי משופץ", 1.5, true},
		{"Studio in the center", 1, true},
		{"nice flat", 0, false},
		{"looking for 3 roommates", 0, false},
		{"3 roommates share a 4 rooms flat", 4, true},
		{"2 br, balcony", 2, true},
	}
	for _, tc := range cases {
		got, ok := ExtractRooms(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ExtractRooms(%q)=(%v,%v) want (%v,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestExtractLocation(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"דירה ברחוב הרצל 12":              "ברחוב הרצל",
		"Lovely flat on Dizengoff Street": "Dizengoff Street",
		"nothing specific":                "",
	}
	for in, want := range cases {
		if got := ExtractLocation(in); got != want {
			t.Fatalf("ExtractLocation(%q)=%q want %q", in, got, want)
		}
	}
}

// Fallback may only reject on an excluded keyword or a stated price above
// the maximum.
func TestHeuristicRejectsOnlyOnExplicitRules(t *testing.T) {
	t.Parallel()
	c := Criteria{MaxPrice: 5900, MinRooms: 3, RequiredKeywords: []string{"balcony"}, ExcludedKeywords: []string{"למכירה", "Sublet"}}
	cases := []struct {
		name  string
		text  string
		match bool
	}{
		{"excluded keyword", "דירה למכירה 4 חדרים", false},
		{"excluded keyword case-insensitive", "SUBLET for two months", false},
		{"price above max", "4 rooms, 7,200 ₪", false},
		{"price at max", "4 rooms, 5,900 ₪", true},
		{"unknown price", "4 rooms, call for price", true},
		{"too few rooms is not a fallback rule", "2 rooms, 4000 ₪", true},
		{"missing required keyword is not a fallback rule", "3 rooms, no balcony mentioned", true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, reason := Heuristic(tc.text, c, Extract(tc.text))
			if got != tc.match {
				t.Fatalf("Heuristic(%q)=%v (%s) want %v", tc.text, got, reason, tc.match)
			}
		})
	}
}

func TestCriteriaMatched(t *testing.T) {
	t.Parallel()
	c := Criteria{MaxPrice: 5900, MinRooms: 3, RequiredKeywords: []string{"Balcony", "parking"}}
	text := "3 rooms with balcony, 5,500 ₪"
	got := c.Matched(text, Extract(text))
	want := []string{"price<=5900", "rooms>=3", "keyword:Balcony"}
	if len(got) != len(want) {
		t.Fatalf("Matched=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Matched=%v want %v", got, want)
		}
	}
}

func TestParseDecision(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"match", true, false},
		{"MATCH\n", true, false},
		{"**Match**", true, false},
		{"No match.", false, false},
		{"\"no match\"", false, false},
		{"  no   MATCH!  ", false, false},
		{"this is not a match", false, true},
		{"Doesn't match.", false, true},
		{"mismatch", false, true},
		{"I can't tell if this is a match", false, true},
		{"match or no match", false, true},
		{"", false, true},
		{"I cannot decide", false, true},
	}
	for _, tc := range cases {
		got, err := ParseDecision(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseDecision(%q) err=%v wantErr=%v", tc.in, err, tc.wantErr)
		}
		if err != nil && !errors.Is(err, ErrMalformed) {
			t.Fatalf("ParseDecision(%q) err=%v want ErrMalformed", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseDecision(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestBuildPromptMentionsCriteria(t *testing.T) {
	t.Parallel()
	p := BuildPrompt("3 חדרים להשכרה", Criteria{MaxPrice: 5900, MinRooms: 3, Intent: "long-term rental"})
	for _, want := range []string{"5900", "at least 3 rooms", "long-term rental", `"match" or "no match"`} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestBreakerCooldownGrowsAndCaps(t *testing.T) {
	t.Parallel()
	b := newBreaker(BreakerConfig{TripFailures: 2, BaseDelay: time.Second, MaxDelay: 4 * time.Second, ResetAfter: time.Hour})
	now := time.Unix(1_700_000_000, 0)

	b.record(now, true)
	if open, _ := b.isOpen(now); open {
		t.Fatalf("open after one failure")
	}
	b.record(now, true)
	open, until := b.isOpen(now)
	if !open || until.Sub(now) != time.Second {
		t.Fatalf("after trip: open=%v cooldown=%v", open, until.Sub(now))
	}
	b.record(now, true)
	if _, until := b.isOpen(now); until.Sub(now) != 2*time.Second {
		t.Fatalf("second cooldown=%v want 2s", until.Sub(now))
	}
	for i := 0; i < 5; i++ {
		b.record(now, true)
	}
	if _, until := b.isOpen(now); until.Sub(now) != 4*time.Second {
		t.Fatalf("capped cooldown=%v want 4s", until.Sub(now))
	}
	if open, _ := b.isOpen(now.Add(5 * time.Second)); open {
		t.Fatalf("still open after cooldown")
	}
	b.record(now, false)
	if open, _ := b.isOpen(now); open {
		t.Fatalf("open after success")
	}
}
