package pkt_test

import (
    "testing"
    "time"

    "go-damadam-sync/internal/pkt"
)

func refNow() time.Time {
    // Fixed reference instant: 22-Dec-25 04:53 PM PKT
    return time.Date(2025, 12, 22, 16, 53, 0, 0, pkt.Zone)
}

func TestStamp_RoundTrip(t *testing.T) {
    now := refNow()
    s := pkt.Stamp(now)
    if s != "22-Dec-25 04:53 PM" { t.Fatalf("stamp = %q", s) }
    back, err := pkt.ParseStamp(s)
    if err != nil { t.Fatalf("parse stamp: %v", err) }
    if !back.Equal(now) { t.Fatalf("round trip mismatch: %v != %v", back, now) }
    if pkt.Stamp(time.Time{}) != "" { t.Fatalf("zero time should stamp empty") }
}

func TestParseSiteTime_Relative(t *testing.T) {
    now := refNow()
    cases := []struct {
        in   string
        want time.Time
    }{
        {"5 mins ago", now.Add(-5 * time.Minute)},
        {"5 minutes ago", now.Add(-5 * time.Minute)},
        {"2 hours ago", now.Add(-2 * time.Hour)},
        {"1 day ago", now.Add(-24 * time.Hour)},
        {"3 weeks ago", now.Add(-3 * 7 * 24 * time.Hour)},
        {"10 secs ago", now.Add(-10 * time.Second)},
    }
    for _, c := range cases {
        got := pkt.ParseSiteTime(c.in, now)
        if !got.Equal(c.want) { t.Fatalf("%q -> %v, want %v", c.in, got, c.want) }
    }
}

func TestParseSiteTime_Absolute(t *testing.T) {
    now := refNow()
    got := pkt.ParseSiteTime("22-Dec-25 04:53 PM", now)
    if pkt.Stamp(got) != "22-Dec-25 04:53 PM" { t.Fatalf("absolute parse: %v", got) }
    // Site renders converted dates fully lowercased
    got = pkt.ParseSiteTime("22-dec-25 04:53 pm", now)
    if pkt.Stamp(got) != "22-Dec-25 04:53 PM" { t.Fatalf("lowercase parse: %v", got) }
    // 24h clock variant
    got = pkt.ParseSiteTime("22-12-2025 16:53", now)
    if pkt.Stamp(got) != "22-Dec-25 04:53 PM" { t.Fatalf("24h parse: %v", got) }
}

func TestParseSiteTime_PartialInputs(t *testing.T) {
    now := refNow()
    // Date only: keeps current time of day
    got := pkt.ParseSiteTime("20-Dec-25", now)
    if got.Day() != 20 || got.Hour() != now.Hour() || got.Minute() != now.Minute() {
        t.Fatalf("date-only fill: %v", got)
    }
    // Time only: assumes today
    got = pkt.ParseSiteTime("09:15 AM", now)
    if got.Year() != now.Year() || got.Month() != now.Month() || got.Day() != now.Day() {
        t.Fatalf("time-only fill date: %v", got)
    }
    if got.Hour() != 9 || got.Minute() != 15 { t.Fatalf("time-only fill clock: %v", got) }
}

func TestParseSiteTime_Fallbacks(t *testing.T) {
    now := refNow()
    for _, in := range []string{"", "-", "N/A", "garbage text"} {
        got := pkt.ParseSiteTime(in, now)
        if !got.Equal(now) { t.Fatalf("%q should fall back to now, got %v", in, got) }
    }
}

func TestClean(t *testing.T) {
    in := " a b\n c\t d  e "
    if got := pkt.Clean(in); got != "a b c d e" { t.Fatalf("clean = %q", got) }
    if pkt.Clean("") != "" { t.Fatalf("empty clean") }
}

func TestCleanValue_Placeholders(t *testing.T) {
    for _, in := range []string{"No city", "not set", "[No Posts]", "N/A", "[Error]", "no age", "None"} {
        if got := pkt.CleanValue(in); got != "" { t.Fatalf("placeholder %q kept as %q", in, got) }
    }
    if got := pkt.CleanValue(" Lahore "); got != "Lahore" { t.Fatalf("real value mangled: %q", got) }
}
