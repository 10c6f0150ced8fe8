package notifier

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"rentwatch/internal/classifier"
	"rentwatch/internal/post"
	"rentwatch/pkg/tgui"
)

// Message carries the HTML rendering and its plain-text twin, used when the
// API refuses the markup.
type Message struct {
	HTML  tgui.H
	Plain string
}

func newMessage(h tgui.H) Message { return Message{HTML: h, Plain: tgui.Plain(h)} }

const timeLayout = "2006-01-02 15:04"

// FormatItem renders the notification for a matched item.
func FormatItem(it post.Item, v post.Verdict, f classifier.Facts, cfg Config) Message {
	cfg = cfg.withDefaults()

	when := it.SourceTimestamp
	if when.IsZero() {
		when = it.FirstSeen
	}
	header := tgui.JoinH(" · ", tgui.B("🏠 New listing"), tgui.I(GroupName(it.Link, it.SourceID)))

	var meta []tgui.H
	if a := strings.TrimSpace(it.Author); a != "" {
		meta = append(meta, tgui.Esc("👤 "+a))
	}
	if !when.IsZero() {
		meta = append(meta, tgui.Esc("🕒 "+when.In(cfg.Location).Format(timeLayout)))
	}

	var facts []tgui.H
	if f.HasPrice {
		facts = append(facts, tgui.Esc("💰 "+f.PriceText))
	}
	if f.HasRooms {
		facts = append(facts, tgui.Esc(fmt.Sprintf("🚪 %s rooms", trimFloat(f.Rooms))))
	}
	if f.Location != "" {
		facts = append(facts, tgui.Esc("📍 "+f.Location))
	}

	excerpt := tgui.TruncRunes(tgui.Squash(it.Content), cfg.ExcerptRunes)

	why := "✅ " + v.Reason
	if len(it.MatchedCriteria) > 0 {
		why = "✅ " + strings.Join(it.MatchedCriteria, ", ")
	}
	if v.Path == post.PathFallback {
		why += " (offline check: " + v.FallbackCause + ")"
	}

	h := tgui.JoinH("\n",
		header,
		tgui.JoinH(" · ", meta...),
		tgui.JoinH(" · ", facts...),
		tgui.Quote(excerpt),
		tgui.I(why),
		tgui.Link("🔗 Open post", it.Link),
	)
	return newMessage(h)
}

// FormatSummary renders the cycle digest.
func FormatSummary(s Summary, cfg Config) Message {
	cfg = cfg.withDefaults()
	lines := []tgui.H{
		tgui.B("📊 Cycle finished"),
		tgui.Esc(fmt.Sprintf("Sources: %d · fetched %d · new %d", s.Sources, s.Fetched, s.New)),
		tgui.Esc(fmt.Sprintf("Notified %d · suppressed %d · pending %d", s.Notified, s.Suppressed, s.Pending)),
	}
	if s.Fallback > 0 {
		lines = append(lines, tgui.Esc(fmt.Sprintf("Offline checks: %d", s.Fallback)))
	}
	if len(s.Failed) > 0 {
		lines = append(lines, tgui.Esc("⚠️ Failed sources: "+strings.Join(s.Failed, ", ")))
	}
	lines = append(lines, tgui.I(fmt.Sprintf("took %s", s.Took.Round(time.Second))))
	if !s.NextWake.IsZero() {
		lines = append(lines, tgui.I("next run "+s.NextWake.In(cfg.Location).Format(timeLayout)))
	}
	return newMessage(tgui.JoinH("\n", lines...))
}

// FormatError renders a failure notice.
func FormatError(scope string, err error, at time.Time, cfg Config) Message {
	cfg = cfg.withDefaults()
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	h := tgui.JoinH("\n",
		tgui.B("❌ "+scope+" failed"),
		tgui.Code(tgui.TruncRunes(msg, 500)),
		tgui.I(at.In(cfg.Location).Format(timeLayout)),
	)
	return newMessage(h)
}

// GroupName derives a readable group name from a Facebook group link
// ("/groups/tel_aviv_rentals/..." gives "Tel Aviv Rentals"). It falls back
// to the source id.
func GroupName(link, sourceID string) string {
	if u, err := url.Parse(link); err == nil {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i := 0; i+1 < len(parts); i++ {
			if parts[i] == "groups" && parts[i+1] != "" {
				return titleWords(strings.ReplaceAll(parts[i+1], "_", " "))
			}
		}
	}
	if sourceID != "" {
		return sourceID
	}
	return "unknown source"
}

func titleWords(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, ".", " "))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.1f", f), "0"), ".")
}
