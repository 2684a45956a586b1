package store_test

import (
    "context"
    "os"
    "path/filepath"
    "strings"
    "testing"

    "go-damadam-sync/internal/model"
    "go-damadam-sync/internal/store"
)

func openCSV(t *testing.T, dir string) *store.CSV {
    t.Helper()
    c, err := store.OpenCSV(dir, 0)
    if err != nil {
        t.Fatalf("open csv: %v", err)
    }
    return c
}

func TestCSV_ProfilesRewriteAndReload(t *testing.T) {
    ctx := context.Background()
    dir := t.TempDir()

    c := openCSV(t, dir)
    for _, rec := range []model.Record{
        {model.ColNickname: "ali", model.ColCity: "Lahore"},
        {model.ColNickname: "bano", model.ColGender: "Female"},
    } {
        if _, err := c.UpsertProfile(ctx, rec); err != nil {
            t.Fatalf("upsert %s: %v", rec.Nickname(), err)
        }
    }
    if err := c.Flush(ctx); err != nil {
        t.Fatalf("flush: %v", err)
    }

    raw, err := os.ReadFile(filepath.Join(dir, "profiles.csv"))
    if err != nil {
        t.Fatalf("read profiles.csv: %v", err)
    }
    lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
    if len(lines) != 3 {
        t.Fatalf("profiles.csv lines = %d, want header + 2 rows", len(lines))
    }
    if !strings.HasPrefix(lines[0], "id,nickname,tags,") {
        t.Fatalf("header = %q", lines[0])
    }

    // A fresh open reloads the same rows and merges against them.
    c = openCSV(t, dir)
    res, err := c.UpsertProfile(ctx, model.Record{model.ColNickname: "ali", model.ColCity: "Karachi"})
    if err != nil {
        t.Fatalf("second upsert: %v", err)
    }
    if res.Kind != model.ChangeUpdated || len(res.Changed) != 1 || res.Changed[0] != model.ColCity {
        t.Fatalf("res = %+v, want updated [city]", res)
    }
    rec, ok, err := c.GetProfile(ctx, "bano")
    if err != nil || !ok {
        t.Fatalf("get bano: ok=%v err=%v", ok, err)
    }
    if rec[model.ColGender] != "Female" {
        t.Fatalf("gender = %q", rec[model.ColGender])
    }
}

func TestCSV_QueueFileMaintainedByHand(t *testing.T) {
    ctx := context.Background()
    dir := t.TempDir()

    queueFile := filepath.Join(dir, "queue.csv")
    seed := "nickname,status,remarks,source\nali,Pending,,\nmomin,Done,already synced,\nzara,,,\n"
    if err := os.WriteFile(queueFile, []byte(seed), 0o644); err != nil {
        t.Fatalf("seed queue.csv: %v", err)
    }

    c := openCSV(t, dir)
    pending, err := c.PendingQueue(ctx)
    if err != nil {
        t.Fatalf("pending: %v", err)
    }
    // Blank status counts as pending, Done does not.
    if len(pending) != 2 || pending[0].Nickname != "ali" || pending[1].Nickname != "zara" {
        t.Fatalf("pending = %+v, want [ali zara]", pending)
    }

    if err := c.SetQueueStatus(ctx, "ali", model.QueueError, "fetch profile: not found"); err != nil {
        t.Fatalf("set status: %v", err)
    }
    if err := c.Flush(ctx); err != nil {
        t.Fatalf("flush: %v", err)
    }
    raw, err := os.ReadFile(queueFile)
    if err != nil {
        t.Fatalf("read queue.csv: %v", err)
    }
    if !strings.Contains(string(raw), "ali,Error,fetch profile: not found,") {
        t.Fatalf("queue.csv missing rewritten row:\n%s", raw)
    }
    if !strings.Contains(string(raw), "momin,Done,already synced,") {
        t.Fatalf("queue.csv lost untouched row:\n%s", raw)
    }
}

func TestCSV_TagsFromFile(t *testing.T) {
    ctx := context.Background()
    dir := t.TempDir()

    tagsFile := filepath.Join(dir, "tags.csv")
    if err := os.WriteFile(tagsFile, []byte("nickname,tags\nali,VIP\n"), 0o644); err != nil {
        t.Fatalf("seed tags.csv: %v", err)
    }

    c := openCSV(t, dir)
    if _, err := c.UpsertProfile(ctx, model.Record{model.ColNickname: "ali"}); err != nil {
        t.Fatalf("upsert: %v", err)
    }
    rec, ok, err := c.GetProfile(ctx, "ali")
    if err != nil || !ok {
        t.Fatalf("get: ok=%v err=%v", ok, err)
    }
    if rec[model.ColTags] != "VIP" {
        t.Fatalf("tags = %q, want VIP", rec[model.ColTags])
    }
}

func TestCSV_AppendOnlyLogs(t *testing.T) {
    ctx := context.Background()
    dir := t.TempDir()

    c := openCSV(t, dir)
    for _, nick := range []string{"ali", "bano"} {
        if err := c.AppendSighting(ctx, model.Sighting{SeenAt: "22-Dec-25 04:53 PM", Nickname: nick}); err != nil {
            t.Fatalf("sighting %s: %v", nick, err)
        }
    }
    if err := c.Flush(ctx); err != nil {
        t.Fatalf("flush: %v", err)
    }

    // Another process appends later: the header must not repeat.
    c = openCSV(t, dir)
    if err := c.AppendSighting(ctx, model.Sighting{SeenAt: "22-Dec-25 05:10 PM", Nickname: "ali"}); err != nil {
        t.Fatalf("sighting: %v", err)
    }
    sum := model.NewRunSummary(model.SourceTarget, "manual")
    sum.EndedAt = sum.StartedAt
    if err := c.AppendRun(ctx, sum); err != nil {
        t.Fatalf("run: %v", err)
    }
    if err := c.Flush(ctx); err != nil {
        t.Fatalf("flush: %v", err)
    }

    raw, err := os.ReadFile(filepath.Join(dir, "sightings.csv"))
    if err != nil {
        t.Fatalf("read sightings.csv: %v", err)
    }
    lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
    if len(lines) != 4 {
        t.Fatalf("sightings.csv lines = %d, want header + 3 rows", len(lines))
    }
    if strings.Count(string(raw), "seen_at,") != 1 {
        t.Fatalf("header repeated:\n%s", raw)
    }

    raw, err = os.ReadFile(filepath.Join(dir, "runs.csv"))
    if err != nil {
        t.Fatalf("read runs.csv: %v", err)
    }
    if !strings.Contains(string(raw), sum.ID) {
        t.Fatalf("runs.csv missing run %s:\n%s", sum.ID, raw)
    }
}
