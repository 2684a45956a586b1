package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"go-damadam-sync/internal/model"
)

// SQLite 封装 *sql.DB，基于 modernc.org/sqlite（纯 Go 实现）。
// 写操作累积在惰性事务里，Flush 时一次性提交；批次内的读操作
// 走同一事务，保证读到本批次尚未提交的写入。
type SQLite struct {
	db    *sql.DB
	tx    *sql.Tx
	tags  map[string]string
	pacer writePacer
}

// OpenSQLite 打开数据库文件并执行幂等迁移，随后加载标签表。
func OpenSQLite(path string, writeDelay time.Duration) (*SQLite, error) {
	// 说明：modernc sqlite 的 DSN 可直接使用文件路径；未显式给出 file: 前缀时
	// 这里统一追加 busy_timeout 与 WAL 两个 pragma
	dsn := path
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db, pacer: newWritePacer(writeDelay)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.loadTags(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate 执行建表语句，保持幂等。
func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
            id TEXT,
            nickname TEXT PRIMARY KEY,
            tags TEXT,
            city TEXT,
            gender TEXT,
            married TEXT,
            age TEXT,
            joined TEXT,
            followers TEXT,
            status TEXT,
            posts TEXT,
            intro TEXT,
            source TEXT,
            scraped_at TEXT,
            last_post_time TEXT,
            last_post_url TEXT,
            image TEXT,
            profile_url TEXT,
            posts_url TEXT,
            friend TEXT,
            rank_url TEXT,
            meh_names TEXT,
            meh_types TEXT,
            meh_links TEXT,
            meh_dates TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS queue (
            nickname TEXT PRIMARY KEY,
            status TEXT,
            remarks TEXT,
            source TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS sightings (
            seen_at TEXT,
            nickname TEXT,
            last_seen TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            mode TEXT,
            trigger_kind TEXT,
            attempted INTEGER,
            succeeded INTEGER,
            failed INTEGER,
            skipped INTEGER,
            new_count INTEGER,
            updated_count INTEGER,
            unchanged_count INTEGER,
            sightings INTEGER,
            fatal_cause TEXT,
            started_at TEXT,
            ended_at TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS tags (
            nickname TEXT PRIMARY KEY,
            tags TEXT
        );`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("exec migrate: %w", err)
		}
	}
	return nil
}

// loadTags 把标签表整表读入内存；表由运营方在库里直接维护。
func (s *SQLite) loadTags() error {
	rows, err := s.db.Query(`SELECT nickname, COALESCE(tags,'') FROM tags`)
	if err != nil {
		return fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()
	tags := make(map[string]string)
	for rows.Next() {
		var nick, v string
		if err := rows.Scan(&nick, &v); err != nil {
			return fmt.Errorf("scan tags: %w", err)
		}
		tags[strings.TrimSpace(nick)] = strings.TrimSpace(v)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tags: %w", err)
	}
	s.tags = tags
	return nil
}

// dbtx 抽象 *sql.DB 与 *sql.Tx 的共同子集，便于读写统一走当前事务。
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// h 返回当前执行载体：已开启事务时走事务，否则直连。
// 连接数被限制为 1，事务未提交时绕过它的读会互相等锁。
func (s *SQLite) h() dbtx {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// begin 惰性开启事务，写路径在真正执行前调用。
func (s *SQLite) begin(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	s.tx = tx
	return nil
}

// GetProfile 按昵称读取整行档案。
func (s *SQLite) GetProfile(ctx context.Context, nickname string) (model.Record, bool, error) {
	row := s.h().QueryRowContext(ctx,
		`SELECT COALESCE(id,''), COALESCE(nickname,''), COALESCE(tags,''), COALESCE(city,''),
            COALESCE(gender,''), COALESCE(married,''), COALESCE(age,''), COALESCE(joined,''),
            COALESCE(followers,''), COALESCE(status,''), COALESCE(posts,''), COALESCE(intro,''),
            COALESCE(source,''), COALESCE(scraped_at,''), COALESCE(last_post_time,''),
            COALESCE(last_post_url,''), COALESCE(image,''), COALESCE(profile_url,''),
            COALESCE(posts_url,''), COALESCE(friend,''), COALESCE(rank_url,''),
            COALESCE(meh_names,''), COALESCE(meh_types,''), COALESCE(meh_links,''),
            COALESCE(meh_dates,'')
        FROM profiles WHERE nickname = ?`, nickname)
	vals := make([]string, len(model.Columns))
	dest := make([]any, len(vals))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query profile %s: %w", nickname, err)
	}
	return model.FromValues(vals), true, nil
}

// UpsertProfile 读取既有档案、合并后整行写回（nickname 唯一约束）。
func (s *SQLite) UpsertProfile(ctx context.Context, rec model.Record) (UpsertResult, error) {
	nick := rec.Nickname()
	if nick == "" {
		return UpsertResult{}, errors.New("record nickname required")
	}
	if err := s.pacer.wait(ctx); err != nil {
		return UpsertResult{}, err
	}
	if err := s.begin(ctx); err != nil {
		return UpsertResult{}, err
	}
	rec = applyTags(s.tags, rec)
	existing, ok, err := s.GetProfile(ctx, nick)
	if err != nil {
		return UpsertResult{}, err
	}
	if !ok {
		existing = nil
	}
	merged, kind, changed := model.Merge(existing, rec)
	_, err = s.tx.ExecContext(ctx, `INSERT INTO profiles(
            id, nickname, tags, city, gender, married, age,
            joined, followers, status, posts, intro, source,
            scraped_at, last_post_time, last_post_url, image, profile_url,
            posts_url, friend, rank_url, meh_names, meh_types, meh_links, meh_dates)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(nickname) DO UPDATE SET
            id=excluded.id, tags=excluded.tags, city=excluded.city,
            gender=excluded.gender, married=excluded.married, age=excluded.age,
            joined=excluded.joined, followers=excluded.followers, status=excluded.status,
            posts=excluded.posts, intro=excluded.intro, source=excluded.source,
            scraped_at=excluded.scraped_at, last_post_time=excluded.last_post_time,
            last_post_url=excluded.last_post_url, image=excluded.image,
            profile_url=excluded.profile_url, posts_url=excluded.posts_url,
            friend=excluded.friend, rank_url=excluded.rank_url,
            meh_names=excluded.meh_names, meh_types=excluded.meh_types,
            meh_links=excluded.meh_links, meh_dates=excluded.meh_dates`,
		rowArgs(merged)...)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert profile %s: %w", nick, err)
	}
	return UpsertResult{Kind: kind, Changed: changed}, nil
}

// PendingQueue 按插入顺序（rowid）返回待处理条目。
func (s *SQLite) PendingQueue(ctx context.Context) ([]model.QueueEntry, error) {
	rows, err := s.h().QueryContext(ctx,
		`SELECT nickname, COALESCE(status,''), COALESCE(remarks,''), COALESCE(source,'')
        FROM queue ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()
	var out []model.QueueEntry
	for rows.Next() {
		var nick, status, remarks, source string
		if err := rows.Scan(&nick, &status, &remarks, &source); err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		if !model.IsPending(status) {
			continue
		}
		out = append(out, model.QueueEntry{
			Nickname: nick,
			Status:   model.QueuePending,
			Remarks:  remarks,
			Source:   source,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return out, nil
}

// SetQueueStatus 回写队列状态与备注（nickname 唯一约束，缺行时创建）。
func (s *SQLite) SetQueueStatus(ctx context.Context, nickname string, status model.QueueStatus, remarks string) error {
	if err := s.pacer.wait(ctx); err != nil {
		return err
	}
	if err := s.begin(ctx); err != nil {
		return err
	}
	_, err := s.tx.ExecContext(ctx, `INSERT INTO queue(nickname, status, remarks, source)
        VALUES(?,?,?,'')
        ON CONFLICT(nickname) DO UPDATE SET status=excluded.status, remarks=excluded.remarks`,
		nickname, string(status), remarks)
	if err != nil {
		return fmt.Errorf("set queue %s: %w", nickname, err)
	}
	return nil
}

// AppendSighting 追加一条上线记录。
func (s *SQLite) AppendSighting(ctx context.Context, sg model.Sighting) error {
	if err := s.pacer.wait(ctx); err != nil {
		return err
	}
	if err := s.begin(ctx); err != nil {
		return err
	}
	_, err := s.tx.ExecContext(ctx,
		`INSERT INTO sightings(seen_at, nickname, last_seen) VALUES(?,?,?)`,
		sg.SeenAt, sg.Nickname, sg.LastSeen)
	if err != nil {
		return fmt.Errorf("append sighting: %w", err)
	}
	return nil
}

// AppendRun 追加一条运行汇总。
func (s *SQLite) AppendRun(ctx context.Context, r model.RunSummary) error {
	if err := s.pacer.wait(ctx); err != nil {
		return err
	}
	if err := s.begin(ctx); err != nil {
		return err
	}
	_, err := s.tx.ExecContext(ctx, `INSERT INTO runs(
            id, mode, trigger_kind, attempted, succeeded, failed, skipped,
            new_count, updated_count, unchanged_count, sightings,
            fatal_cause, started_at, ended_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Mode, r.Trigger, r.Attempted, r.Succeeded, r.Failed, r.Skipped,
		r.New, r.Updated, r.Unchanged, r.Sightings,
		r.FatalCause, r.StartedAt, r.EndedAt)
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	return nil
}

// Flush 提交当前事务；没有未提交写入时为空操作。
func (s *SQLite) Flush(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close 丢弃未提交的事务并关闭连接。
func (s *SQLite) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.db.Close()
}

// rowArgs 把整行记录展开为占位参数（固定列序）。
func rowArgs(rec model.Record) []any {
	vals := rec.Values()
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
