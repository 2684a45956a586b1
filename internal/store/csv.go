package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go-damadam-sync/internal/model"
)

// CSV 目录内的各数据文件。
const (
	csvProfiles  = "profiles.csv"
	csvQueue     = "queue.csv"
	csvSightings = "sightings.csv"
	csvRuns      = "runs.csv"
	csvTags      = "tags.csv"
)

var (
	queueHeader     = []string{"nickname", "status", "remarks", "source"}
	sightingsHeader = []string{"seen_at", "nickname", "last_seen"}
	runsHeader = []string{
		"id", "mode", "trigger", "attempted", "succeeded", "failed", "skipped",
		"new", "updated", "unchanged", "sightings", "fatal_cause", "started_at", "ended_at",
	}
)

// CSV 把数据保存为目录下的一组平面文件，便于人工查看与编辑。
// 打开时整表载入内存；profiles/queue 在 Flush 时整文件原子重写，
// sightings/runs 只追加。
type CSV struct {
	dir   string
	pacer writePacer

	profiles map[string]model.Record
	order    []string
	queue    []model.QueueEntry
	tags     map[string]string

	profilesDirty bool
	queueDirty    bool
	pendingSights []model.Sighting
	pendingRuns   []model.RunSummary
}

// OpenCSV 打开（必要时创建）数据目录并载入既有文件。
func OpenCSV(dir string, writeDelay time.Duration) (*CSV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	c := &CSV{
		dir:      dir,
		pacer:    newWritePacer(writeDelay),
		profiles: make(map[string]model.Record),
		tags:     make(map[string]string),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CSV) path(name string) string { return filepath.Join(c.dir, name) }

// load 读入 profiles/queue/tags 三个表；sightings/runs 只追加，无需载入。
func (c *CSV) load() error {
	rows, err := readCSVFile(c.path(csvProfiles))
	if err != nil {
		return err
	}
	for _, row := range rows {
		rec := model.FromValues(row)
		nick := rec.Nickname()
		if nick == "" {
			continue
		}
		if _, ok := c.profiles[nick]; !ok {
			c.order = append(c.order, nick)
		}
		c.profiles[nick] = rec
	}

	rows, err = readCSVFile(c.path(csvQueue))
	if err != nil {
		return err
	}
	for _, row := range rows {
		e := model.QueueEntry{Nickname: field(row, 0)}
		if e.Nickname == "" {
			continue
		}
		e.Status = model.QueueStatus(field(row, 1))
		e.Remarks = field(row, 2)
		e.Source = field(row, 3)
		c.queue = append(c.queue, e)
	}

	rows, err = readCSVFile(c.path(csvTags))
	if err != nil {
		return err
	}
	for _, row := range rows {
		if nick := field(row, 0); nick != "" {
			c.tags[nick] = field(row, 1)
		}
	}
	return nil
}

func (c *CSV) GetProfile(ctx context.Context, nickname string) (model.Record, bool, error) {
	rec, ok := c.profiles[nickname]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (c *CSV) UpsertProfile(ctx context.Context, rec model.Record) (UpsertResult, error) {
	nick := rec.Nickname()
	if nick == "" {
		return UpsertResult{}, errors.New("record nickname required")
	}
	if err := c.pacer.wait(ctx); err != nil {
		return UpsertResult{}, err
	}
	rec = applyTags(c.tags, rec)
	var existing model.Record
	if cur, ok := c.profiles[nick]; ok {
		existing = cur
	}
	merged, kind, changed := model.Merge(existing, rec)
	if _, ok := c.profiles[nick]; !ok {
		c.order = append(c.order, nick)
	}
	c.profiles[nick] = merged
	c.profilesDirty = true
	return UpsertResult{Kind: kind, Changed: changed}, nil
}

func (c *CSV) PendingQueue(ctx context.Context) ([]model.QueueEntry, error) {
	var out []model.QueueEntry
	for _, e := range c.queue {
		if model.IsPending(string(e.Status)) {
			e.Status = model.QueuePending
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *CSV) SetQueueStatus(ctx context.Context, nickname string, status model.QueueStatus, remarks string) error {
	if err := c.pacer.wait(ctx); err != nil {
		return err
	}
	c.queueDirty = true
	for i := range c.queue {
		if c.queue[i].Nickname == nickname {
			c.queue[i].Status = status
			c.queue[i].Remarks = remarks
			return nil
		}
	}
	c.queue = append(c.queue, model.QueueEntry{Nickname: nickname, Status: status, Remarks: remarks})
	return nil
}

func (c *CSV) AppendSighting(ctx context.Context, s model.Sighting) error {
	if err := c.pacer.wait(ctx); err != nil {
		return err
	}
	c.pendingSights = append(c.pendingSights, s)
	return nil
}

func (c *CSV) AppendRun(ctx context.Context, r model.RunSummary) error {
	if err := c.pacer.wait(ctx); err != nil {
		return err
	}
	c.pendingRuns = append(c.pendingRuns, r)
	return nil
}

// Flush 落盘：整文件原子重写 profiles/queue，追加 sightings/runs。
func (c *CSV) Flush(ctx context.Context) error {
	if c.profilesDirty {
		rows := make([][]string, 0, len(c.order))
		for _, nick := range c.order {
			rows = append(rows, c.profiles[nick].Values())
		}
		if err := writeCSVAtomic(c.dir, c.path(csvProfiles), model.Columns, rows); err != nil {
			return fmt.Errorf("write profiles: %w", err)
		}
		c.profilesDirty = false
	}
	if c.queueDirty {
		rows := make([][]string, 0, len(c.queue))
		for _, e := range c.queue {
			rows = append(rows, []string{e.Nickname, string(e.Status), e.Remarks, e.Source})
		}
		if err := writeCSVAtomic(c.dir, c.path(csvQueue), queueHeader, rows); err != nil {
			return fmt.Errorf("write queue: %w", err)
		}
		c.queueDirty = false
	}
	if len(c.pendingSights) > 0 {
		rows := make([][]string, 0, len(c.pendingSights))
		for _, s := range c.pendingSights {
			rows = append(rows, []string{s.SeenAt, s.Nickname, s.LastSeen})
		}
		if err := appendCSV(c.path(csvSightings), sightingsHeader, rows); err != nil {
			return fmt.Errorf("append sightings: %w", err)
		}
		c.pendingSights = nil
	}
	if len(c.pendingRuns) > 0 {
		rows := make([][]string, 0, len(c.pendingRuns))
		for _, r := range c.pendingRuns {
			rows = append(rows, []string{
				r.ID, r.Mode, r.Trigger,
				strconv.Itoa(r.Attempted), strconv.Itoa(r.Succeeded),
				strconv.Itoa(r.Failed), strconv.Itoa(r.Skipped),
				strconv.Itoa(r.New), strconv.Itoa(r.Updated), strconv.Itoa(r.Unchanged),
				strconv.Itoa(r.Sightings), r.FatalCause, r.StartedAt, r.EndedAt,
			})
		}
		if err := appendCSV(c.path(csvRuns), runsHeader, rows); err != nil {
			return fmt.Errorf("append runs: %w", err)
		}
		c.pendingRuns = nil
	}
	return nil
}

func (c *CSV) Close() error { return nil }

// readCSVFile 读取并返回去掉表头的全部数据行；文件不存在时返回空。
func readCSVFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	// 文件可能被人工编辑过，列数不强校验
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	return rows[1:], nil
}

// writeCSVAtomic 先写临时文件再改名，避免中途崩溃留下半截文件。
func writeCSVAtomic(dir, path string, header []string, rows [][]string) error {
	f, err := os.CreateTemp(dir, ".tmp-*.csv")
	if err != nil {
		return err
	}
	tmp := f.Name()
	w := csv.NewWriter(f)
	werr := w.Write(header)
	for _, row := range rows {
		if werr != nil {
			break
		}
		werr = w.Write(row)
	}
	if werr == nil {
		w.Flush()
		werr = w.Error()
	}
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp)
		return werr
	}
	return os.Rename(tmp, path)
}

// appendCSV 追加数据行，文件缺失或为空时先补表头。
func appendCSV(path string, header []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	fi, err := os.Stat(path)
	needHeader := err != nil || fi.Size() == 0
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if needHeader {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

// field 取行内第 i 列，越界时返回空串。
func field(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}
