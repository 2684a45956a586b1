package model_test

import (
    "reflect"
    "testing"

    "go-damadam-sync/internal/model"
)

func TestMerge_New(t *testing.T) {
    incoming := model.Record{
        model.ColNickname: "ali_raza",
        model.ColCity:     " Lahore ",
        model.ColAge:      "No age",
        model.ColSource:   model.SourceTarget,
    }
    merged, kind, changed := model.Merge(nil, incoming)
    if kind != model.ChangeNew {
        t.Fatalf("kind = %q, want new", kind)
    }
    if merged[model.ColCity] != "Lahore" {
        t.Fatalf("city = %q, want trimmed Lahore", merged[model.ColCity])
    }
    // placeholder values must not be stored at all
    if _, ok := merged[model.ColAge]; ok {
        t.Fatalf("age placeholder leaked into merged record: %q", merged[model.ColAge])
    }
    want := []string{model.ColNickname, model.ColCity, model.ColSource}
    if !reflect.DeepEqual(changed, want) {
        t.Fatalf("changed = %v, want %v", changed, want)
    }
}

func TestMerge_Unchanged(t *testing.T) {
    existing := model.Record{
        model.ColNickname:  "ali",
        model.ColCity:      "Lahore",
        model.ColSource:    model.SourceTarget,
        model.ColScrapedAt: "01-Jan-25 01:00 PM",
    }
    incoming := model.Record{
        model.ColNickname:  "ali",
        model.ColCity:      "Lahore",
        model.ColSource:    model.SourceTarget,
        model.ColScrapedAt: "22-Dec-25 04:53 PM",
    }
    merged, kind, changed := model.Merge(existing, incoming)
    if kind != model.ChangeUnchanged {
        t.Fatalf("kind = %q, want unchanged", kind)
    }
    if len(changed) != 0 {
        t.Fatalf("changed = %v, want empty", changed)
    }
    // volatile columns still refresh even when the row counts as unchanged
    if merged[model.ColScrapedAt] != "22-Dec-25 04:53 PM" {
        t.Fatalf("scraped_at = %q, not refreshed", merged[model.ColScrapedAt])
    }
}

func TestMerge_Updated(t *testing.T) {
    existing := model.Record{
        model.ColNickname:  "ali",
        model.ColCity:      "Lahore",
        model.ColFollowers: "10",
        model.ColSource:    model.SourceTarget,
    }
    incoming := model.Record{
        model.ColNickname: "ali",
        model.ColCity:     "Karachi",
        model.ColSource:   model.SourceTarget,
    }
    merged, kind, changed := model.Merge(existing, incoming)
    if kind != model.ChangeUpdated {
        t.Fatalf("kind = %q, want updated", kind)
    }
    if !reflect.DeepEqual(changed, []string{model.ColCity}) {
        t.Fatalf("changed = %v, want [city]", changed)
    }
    // a field absent from the new scrape keeps its stored value
    if merged[model.ColFollowers] != "10" {
        t.Fatalf("followers = %q, want carried-forward 10", merged[model.ColFollowers])
    }
}

func TestMerge_PlaceholderKeepsExisting(t *testing.T) {
    existing := model.Record{
        model.ColNickname: "ali",
        model.ColCity:     "Lahore",
        model.ColSource:   model.SourceTarget,
    }
    incoming := model.Record{
        model.ColNickname: "ali",
        model.ColCity:     "Not set",
        model.ColSource:   model.SourceTarget,
    }
    merged, kind, _ := model.Merge(existing, incoming)
    if kind != model.ChangeUnchanged {
        t.Fatalf("kind = %q, want unchanged", kind)
    }
    if merged[model.ColCity] != "Lahore" {
        t.Fatalf("city = %q, placeholder overwrote stored value", merged[model.ColCity])
    }
}

func TestMerge_SourceFlip(t *testing.T) {
    existing := model.Record{
        model.ColNickname: "ali",
        model.ColCity:     "Lahore",
        model.ColSource:   model.SourceTarget,
    }
    incoming := model.Record{
        model.ColNickname: "ali",
        model.ColCity:     "Lahore",
        model.ColSource:   model.SourceOnline,
    }
    merged, kind, changed := model.Merge(existing, incoming)
    if kind != model.ChangeUpdated {
        t.Fatalf("kind = %q, want updated", kind)
    }
    if !reflect.DeepEqual(changed, []string{model.ColSource}) {
        t.Fatalf("changed = %v, want [source]", changed)
    }
    if merged[model.ColSource] != model.SourceOnline {
        t.Fatalf("source = %q, want Online", merged[model.ColSource])
    }
}

func TestMerge_VolatileOnlyDiff(t *testing.T) {
    existing := model.Record{
        model.ColNickname:   "ali",
        model.ColJoined:     "2 years ago",
        model.ColProfileURL: "https://damadam.pk/users/ali/",
        model.ColSource:     model.SourceTarget,
    }
    incoming := model.Record{
        model.ColNickname:   "ali",
        model.ColJoined:     "3 years ago",
        model.ColProfileURL: "https://example.org/users/ali/",
        model.ColSource:     model.SourceTarget,
    }
    merged, kind, _ := model.Merge(existing, incoming)
    if kind != model.ChangeUnchanged {
        t.Fatalf("kind = %q, want unchanged when only volatile columns differ", kind)
    }
    if merged[model.ColJoined] != "3 years ago" {
        t.Fatalf("joined = %q, volatile column not rewritten", merged[model.ColJoined])
    }
}

func TestMerge_Idempotent(t *testing.T) {
    incoming := model.Record{
        model.ColNickname: "ali",
        model.ColCity:     "Lahore",
        model.ColGender:   "Male",
        model.ColSource:   model.SourceTarget,
    }
    first, kind, _ := model.Merge(nil, incoming)
    if kind != model.ChangeNew {
        t.Fatalf("first merge kind = %q, want new", kind)
    }
    second, kind, changed := model.Merge(first, incoming)
    if kind != model.ChangeUnchanged {
        t.Fatalf("second merge kind = %q, want unchanged", kind)
    }
    if len(changed) != 0 {
        t.Fatalf("second merge changed = %v, want empty", changed)
    }
    if !reflect.DeepEqual(first, second) {
        t.Fatalf("repeat merge altered the record: %v vs %v", first, second)
    }
}
