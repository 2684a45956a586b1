package store_test

import (
    "context"
    "database/sql"
    "path/filepath"
    "testing"

    _ "modernc.org/sqlite"

    "go-damadam-sync/internal/model"
    "go-damadam-sync/internal/store"
)

func openSQLite(t *testing.T, path string) *store.SQLite {
    t.Helper()
    s, err := store.OpenSQLite(path, 0)
    if err != nil {
        t.Fatalf("open sqlite: %v", err)
    }
    return s
}

func TestSQLite_UpsertAndPersist(t *testing.T) {
    ctx := context.Background()
    path := filepath.Join(t.TempDir(), "data.db")

    s := openSQLite(t, path)
    res, err := s.UpsertProfile(ctx, model.Record{
        model.ColNickname: "ali",
        model.ColCity:     "Lahore",
        model.ColStatus:   model.StatusNormal,
    })
    if err != nil {
        t.Fatalf("upsert: %v", err)
    }
    if res.Kind != model.ChangeNew {
        t.Fatalf("kind = %s, want new", res.Kind)
    }

    // Reads inside the open batch must see the buffered write.
    rec, ok, err := s.GetProfile(ctx, "ali")
    if err != nil {
        t.Fatalf("get before flush: %v", err)
    }
    if !ok || rec[model.ColCity] != "Lahore" {
        t.Fatalf("get before flush: ok=%v rec=%v", ok, rec)
    }

    if err := s.Flush(ctx); err != nil {
        t.Fatalf("flush: %v", err)
    }
    if err := s.Close(); err != nil {
        t.Fatalf("close: %v", err)
    }

    s = openSQLite(t, path)
    defer s.Close()
    res, err = s.UpsertProfile(ctx, model.Record{
        model.ColNickname: "ali",
        model.ColCity:     "Karachi",
    })
    if err != nil {
        t.Fatalf("second upsert: %v", err)
    }
    if res.Kind != model.ChangeUpdated {
        t.Fatalf("kind = %s, want updated", res.Kind)
    }
    if len(res.Changed) != 1 || res.Changed[0] != model.ColCity {
        t.Fatalf("changed = %v, want [city]", res.Changed)
    }
    if err := s.Flush(ctx); err != nil {
        t.Fatalf("flush: %v", err)
    }
    rec, ok, err = s.GetProfile(ctx, "ali")
    if err != nil || !ok {
        t.Fatalf("get after update: ok=%v err=%v", ok, err)
    }
    if rec[model.ColCity] != "Karachi" {
        t.Fatalf("city = %q, want Karachi", rec[model.ColCity])
    }
    // Columns absent from the second record survive the merge.
    if rec[model.ColStatus] != model.StatusNormal {
        t.Fatalf("status = %q, want Normal", rec[model.ColStatus])
    }
}

func TestSQLite_UnflushedWritesAreDropped(t *testing.T) {
    ctx := context.Background()
    path := filepath.Join(t.TempDir(), "data.db")

    s := openSQLite(t, path)
    if _, err := s.UpsertProfile(ctx, model.Record{model.ColNickname: "ghost"}); err != nil {
        t.Fatalf("upsert: %v", err)
    }
    // Close without Flush: the open batch is rolled back.
    if err := s.Close(); err != nil {
        t.Fatalf("close: %v", err)
    }

    s = openSQLite(t, path)
    defer s.Close()
    _, ok, err := s.GetProfile(ctx, "ghost")
    if err != nil {
        t.Fatalf("get: %v", err)
    }
    if ok {
        t.Fatal("unflushed profile survived reopen")
    }
}

func TestSQLite_QueueOrderAndStatus(t *testing.T) {
    ctx := context.Background()
    path := filepath.Join(t.TempDir(), "data.db")

    s := openSQLite(t, path)
    defer s.Close()
    for _, nick := range []string{"bano", "ali"} {
        if err := s.SetQueueStatus(ctx, nick, model.QueuePending, ""); err != nil {
            t.Fatalf("seed %s: %v", nick, err)
        }
    }
    if err := s.Flush(ctx); err != nil {
        t.Fatalf("flush: %v", err)
    }

    pending, err := s.PendingQueue(ctx)
    if err != nil {
        t.Fatalf("pending: %v", err)
    }
    if len(pending) != 2 || pending[0].Nickname != "bano" || pending[1].Nickname != "ali" {
        t.Fatalf("pending = %+v, want [bano ali]", pending)
    }

    if err := s.SetQueueStatus(ctx, "bano", model.QueueDone, "2 fields updated"); err != nil {
        t.Fatalf("set done: %v", err)
    }
    if err := s.Flush(ctx); err != nil {
        t.Fatalf("flush: %v", err)
    }
    pending, err = s.PendingQueue(ctx)
    if err != nil {
        t.Fatalf("pending: %v", err)
    }
    if len(pending) != 1 || pending[0].Nickname != "ali" {
        t.Fatalf("pending after done = %+v, want [ali]", pending)
    }
}

func TestSQLite_TagsTableApplied(t *testing.T) {
    ctx := context.Background()
    path := filepath.Join(t.TempDir(), "data.db")

    // First open runs the migration, then the operator seeds the tags table.
    s := openSQLite(t, path)
    if err := s.Close(); err != nil {
        t.Fatalf("close: %v", err)
    }
    db, err := sql.Open("sqlite", path)
    if err != nil {
        t.Fatalf("open raw: %v", err)
    }
    if _, err := db.Exec(`INSERT INTO tags(nickname, tags) VALUES('ali', 'VIP, Old Guard')`); err != nil {
        t.Fatalf("seed tags: %v", err)
    }
    if err := db.Close(); err != nil {
        t.Fatalf("close raw: %v", err)
    }

    s = openSQLite(t, path)
    defer s.Close()
    if _, err := s.UpsertProfile(ctx, model.Record{model.ColNickname: "ali", model.ColCity: "Lahore"}); err != nil {
        t.Fatalf("upsert: %v", err)
    }
    if err := s.Flush(ctx); err != nil {
        t.Fatalf("flush: %v", err)
    }
    rec, ok, err := s.GetProfile(ctx, "ali")
    if err != nil || !ok {
        t.Fatalf("get: ok=%v err=%v", ok, err)
    }
    if rec[model.ColTags] != "VIP, Old Guard" {
        t.Fatalf("tags = %q, want seeded value", rec[model.ColTags])
    }
}

func TestSQLite_SightingsAndRuns(t *testing.T) {
    ctx := context.Background()
    path := filepath.Join(t.TempDir(), "data.db")

    s := openSQLite(t, path)
    if err := s.AppendSighting(ctx, model.Sighting{SeenAt: "22-Dec-25 04:53 PM", Nickname: "ali", LastSeen: "22-Dec-25 04:50 PM"}); err != nil {
        t.Fatalf("sighting: %v", err)
    }
    sum := model.NewRunSummary(model.SourceOnline, "scheduled")
    sum.Attempted = 3
    sum.Succeeded = 2
    sum.Failed = 1
    sum.EndedAt = "22-Dec-25 04:55 PM"
    if err := s.AppendRun(ctx, sum); err != nil {
        t.Fatalf("run: %v", err)
    }
    if err := s.Flush(ctx); err != nil {
        t.Fatalf("flush: %v", err)
    }
    if err := s.Close(); err != nil {
        t.Fatalf("close: %v", err)
    }

    db, err := sql.Open("sqlite", path)
    if err != nil {
        t.Fatalf("open raw: %v", err)
    }
    defer db.Close()
    var n int
    if err := db.QueryRow(`SELECT COUNT(1) FROM sightings`).Scan(&n); err != nil {
        t.Fatalf("count sightings: %v", err)
    }
    if n != 1 {
        t.Fatalf("sightings = %d, want 1", n)
    }
    var mode, trigger string
    var attempted int
    if err := db.QueryRow(`SELECT mode, trigger_kind, attempted FROM runs WHERE id = ?`, sum.ID).Scan(&mode, &trigger, &attempted); err != nil {
        t.Fatalf("query run: %v", err)
    }
    if mode != model.SourceOnline || trigger != "scheduled" || attempted != 3 {
        t.Fatalf("run row = %s/%s/%d", mode, trigger, attempted)
    }
}
