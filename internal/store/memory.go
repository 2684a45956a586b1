package store

import (
	"context"
	"errors"
	"sync"

	"go-damadam-sync/internal/model"
)

// Memory 在进程内收集全部数据，不做持久化，供试运行与测试使用。
// 档案按首次写入顺序保序，便于导出时得到稳定输出。
type Memory struct {
	mu        sync.Mutex
	profiles  map[string]model.Record // key: nickname
	order     []string
	queue     []model.QueueEntry
	sightings []model.Sighting
	runs      []model.RunSummary
	tags      map[string]string
	flushes   int
}

func NewMemory() *Memory {
	return &Memory{
		profiles: make(map[string]model.Record),
		tags:     make(map[string]string),
	}
}

// SeedQueue 预置队列条目（试运行时由命令行注入目标）。
func (m *Memory) SeedQueue(entries ...model.QueueEntry) {
	m.mu.Lock()
	m.queue = append(m.queue, entries...)
	m.mu.Unlock()
}

// SeedTags 预置标签表。
func (m *Memory) SeedTags(tags map[string]string) {
	m.mu.Lock()
	for k, v := range tags {
		m.tags[k] = v
	}
	m.mu.Unlock()
}

// SeedProfile 预置一条已存在的档案（测试布置既有状态用）。
func (m *Memory) SeedProfile(rec model.Record) {
	m.mu.Lock()
	nick := rec.Nickname()
	if _, ok := m.profiles[nick]; !ok {
		m.order = append(m.order, nick)
	}
	m.profiles[nick] = rec.Clone()
	m.mu.Unlock()
}

func (m *Memory) GetProfile(ctx context.Context, nickname string) (model.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.profiles[nickname]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *Memory) UpsertProfile(ctx context.Context, rec model.Record) (UpsertResult, error) {
	nick := rec.Nickname()
	if nick == "" {
		return UpsertResult{}, errors.New("record nickname required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec = applyTags(m.tags, rec)
	var existing model.Record
	if cur, ok := m.profiles[nick]; ok {
		existing = cur
	}
	merged, kind, changed := model.Merge(existing, rec)
	if _, ok := m.profiles[nick]; !ok {
		m.order = append(m.order, nick)
	}
	m.profiles[nick] = merged
	return UpsertResult{Kind: kind, Changed: changed}, nil
}

func (m *Memory) PendingQueue(ctx context.Context) ([]model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.QueueEntry
	for _, e := range m.queue {
		if model.IsPending(string(e.Status)) {
			e.Status = model.QueuePending
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) SetQueueStatus(ctx context.Context, nickname string, status model.QueueStatus, remarks string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.queue {
		if m.queue[i].Nickname == nickname {
			m.queue[i].Status = status
			m.queue[i].Remarks = remarks
			return nil
		}
	}
	m.queue = append(m.queue, model.QueueEntry{Nickname: nickname, Status: status, Remarks: remarks})
	return nil
}

func (m *Memory) AppendSighting(ctx context.Context, s model.Sighting) error {
	m.mu.Lock()
	m.sightings = append(m.sightings, s)
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendRun(ctx context.Context, r model.RunSummary) error {
	m.mu.Lock()
	m.runs = append(m.runs, r)
	m.mu.Unlock()
	return nil
}

// Flush 仅计数，便于测试断言批次边界。
func (m *Memory) Flush(ctx context.Context) error {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Profiles 按首次写入顺序返回全部档案副本。
func (m *Memory) Profiles() []model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Record, 0, len(m.order))
	for _, nick := range m.order {
		out = append(out, m.profiles[nick].Clone())
	}
	return out
}

// Queue 返回队列副本（含非待处理条目）。
func (m *Memory) Queue() []model.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.QueueEntry(nil), m.queue...)
}

// Sightings 返回上线记录副本。
func (m *Memory) Sightings() []model.Sighting {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Sighting(nil), m.sightings...)
}

// Runs 返回运行汇总副本。
func (m *Memory) Runs() []model.RunSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.RunSummary(nil), m.runs...)
}

// Flushes 返回 Flush 被调用的次数。
func (m *Memory) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}
