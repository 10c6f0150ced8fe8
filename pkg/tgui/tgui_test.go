package tgui

import "testing"

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"שלום עולם", 4, "שלום…"},
		{"x", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q,%d)=%q want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestSquash(t *testing.T) {
	t.Parallel()
	got := Squash("  3 rooms\n\n  near   the park See translation See more ")
	if got != "3 rooms near the park" {
		t.Fatalf("Squash=%q", got)
	}
}

func TestHTMLHelpers(t *testing.T) {
	t.Parallel()
	h := JoinH("\n", B("a<b"), "", Link("open", "https://x.test/?a=1&b=2"), Quote("q"))
	want := "<b>a&lt;b</b>\n<a href=\"https://x.test/?a=1&amp;b=2\">open</a>\n<blockquote>q</blockquote>"
	if h.String() != want {
		t.Fatalf("JoinH=%q", h)
	}
	if p := Plain(h); p != "a<b\nopen\nq" {
		t.Fatalf("Plain=%q", p)
	}
	if Link("t", "") != "t" {
		t.Fatalf("Link without url")
	}
}
