package browser

import (
	"strings"
	"testing"
	"time"
)

func TestCleanText(t *testing.T) {
	t.Parallel()
	in := "Dana Levi\n3h\n\n  Looking for a roommate, 3 rooms in Florentin  \nLike\nComment\nShare\nלייק\n5 דקות\nSee more"
	got := cleanText(in)
	want := "Dana Levi\nLooking for a roommate, 3 rooms in Florentin"
	if got != want {
		t.Fatalf("cleanText=%q want %q", got, want)
	}
}

func TestPermalink(t *testing.T) {
	t.Parallel()
	cases := []struct {
		links []anchor
		want  string
	}{
		{[]anchor{{Href: "https://www.facebook.com/dana"}, {Href: "https://www.facebook.com/groups/x/posts/12/"}}, "https://www.facebook.com/groups/x/posts/12/"},
		{[]anchor{{Href: "/groups/x/permalink/9/"}}, "https://www.facebook.com/groups/x/permalink/9/"},
		{[]anchor{{Href: "https://www.facebook.com/dana"}}, ""},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := permalink(tc.links); got != tc.want {
			t.Fatalf("permalink(%v)=%q want %q", tc.links, got, tc.want)
		}
	}
}

func TestToRawItems(t *testing.T) {
	t.Parallel()
	body := "Apartment for rent, 4 rooms, 6,200 ₪ near the park"
	arts := []article{
		{
			Text:   "Dana\n" + body + "\nLike\nComment",
			Author: " Dana ",
			UTime:  1_700_000_000,
			Links:  []anchor{{Href: "https://www.facebook.com/groups/x/posts/1/"}},
		},
		// same post rendered twice in the feed
		{
			Text:  "Dana\n" + body,
			Links: []anchor{{Href: "https://www.facebook.com/groups/x/posts/1/?ref=feed"}},
		},
		// a comment thread unit
		{
			Text:  "Is it still available for next month?",
			Links: []anchor{{Href: "https://www.facebook.com/groups/x/posts/1/?comment_id=77"}},
		},
		// only controls
		{Text: "Like\nComment\nShare\nלייק\nשיתוף"},
		// message container preferred over the full text
		{
			Text:     "Yossi\n2h\nRoom in shared flat, Haifa, 2,100 NIS\nLike",
			Messages: []string{"Yossi", "Room in shared flat, Haifa, 2,100 NIS"},
			Links:    []anchor{{Href: "https://www.facebook.com/groups/x/posts/2/"}},
		},
		{
			Text:  "Third listing with enough text to pass",
			Links: []anchor{{Href: "https://www.facebook.com/groups/x/posts/3/"}},
		},
	}

	got := toRawItems(arts, 0, 15)
	if len(got) != 3 {
		t.Fatalf("got %d items: %+v", len(got), got)
	}
	if got[0].Author != "Dana" || !strings.Contains(got[0].Content, body) || strings.Contains(got[0].Content, "Like") {
		t.Fatalf("first=%+v", got[0])
	}
	if !got[0].Timestamp.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("timestamp=%v", got[0].Timestamp)
	}
	if got[1].Content != "Room in shared flat, Haifa, 2,100 NIS" || !got[1].Timestamp.IsZero() {
		t.Fatalf("second=%+v", got[1])
	}

	if capped := toRawItems(arts, 2, 15); len(capped) != 2 {
		t.Fatalf("cap ignored: %d", len(capped))
	}
}

func TestToRawItemsMinLength(t *testing.T) {
	t.Parallel()
	arts := []article{{Text: "Short line here!!\nLike\nComment\nShare"}}
	if got := toRawItems(arts, 0, 40); len(got) != 0 {
		t.Fatalf("short content kept: %+v", got)
	}
	if got := toRawItems(arts, 0, 10); len(got) != 1 {
		t.Fatalf("content dropped: %+v", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	c := Config{}.withDefaults()
	if c.NavigationTimeout != defaultNavigationTimeout || c.ScrollRounds != defaultScrollRounds || c.MinContentRunes != defaultMinContentRunes {
		t.Fatalf("defaults=%+v", c)
	}
	if c := (Config{ScrollRounds: -1}).withDefaults(); c.ScrollRounds != 0 {
		t.Fatalf("negative scroll rounds=%d", c.ScrollRounds)
	}
}
