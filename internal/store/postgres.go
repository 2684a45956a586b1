package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-damadam-sync/internal/model"
)

// Postgres 基于 pgx 连接池。写操作先缓冲为语句列表，Flush 时放进
// 单个事务批量提交；批内读回走未提交缓冲，保证与 SQLite 后端同语义。
type Postgres struct {
	pool  *pgxpool.Pool
	pacer writePacer
	tags  map[string]string

	ops     []pgOp
	pending map[string]model.Record // 本批次已合并未提交的档案
}

type pgOp struct {
	sql  string
	args []any
}

// OpenPostgres 建立连接池、执行幂等迁移并加载标签表。
// 经 pgbouncer 等代理连接时，在 DSN 里加 default_query_exec_mode=simple_protocol。
func OpenPostgres(ctx context.Context, dsn string, writeDelay time.Duration) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := &Postgres{
		pool:    pool,
		pacer:   newWritePacer(writeDelay),
		pending: make(map[string]model.Record),
	}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := p.loadTags(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
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
            ordinal BIGSERIAL,
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
		if _, err := p.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("exec migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) loadTags(ctx context.Context) error {
	rows, err := p.pool.Query(ctx, `SELECT nickname, COALESCE(tags,'') FROM tags`)
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
		tags[nick] = v
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tags: %w", err)
	}
	p.tags = tags
	return nil
}

func (p *Postgres) GetProfile(ctx context.Context, nickname string) (model.Record, bool, error) {
	if rec, ok := p.pending[nickname]; ok {
		return rec.Clone(), true, nil
	}
	row := p.pool.QueryRow(ctx,
		`SELECT COALESCE(id,''), COALESCE(nickname,''), COALESCE(tags,''), COALESCE(city,''),
            COALESCE(gender,''), COALESCE(married,''), COALESCE(age,''), COALESCE(joined,''),
            COALESCE(followers,''), COALESCE(status,''), COALESCE(posts,''), COALESCE(intro,''),
            COALESCE(source,''), COALESCE(scraped_at,''), COALESCE(last_post_time,''),
            COALESCE(last_post_url,''), COALESCE(image,''), COALESCE(profile_url,''),
            COALESCE(posts_url,''), COALESCE(friend,''), COALESCE(rank_url,''),
            COALESCE(meh_names,''), COALESCE(meh_types,''), COALESCE(meh_links,''),
            COALESCE(meh_dates,'')
        FROM profiles WHERE nickname = $1`, nickname)
	vals := make([]string, len(model.Columns))
	dest := make([]any, len(vals))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query profile %s: %w", nickname, err)
	}
	return model.FromValues(vals), true, nil
}

func (p *Postgres) UpsertProfile(ctx context.Context, rec model.Record) (UpsertResult, error) {
	nick := rec.Nickname()
	if nick == "" {
		return UpsertResult{}, errors.New("record nickname required")
	}
	if err := p.pacer.wait(ctx); err != nil {
		return UpsertResult{}, err
	}
	rec = applyTags(p.tags, rec)
	existing, ok, err := p.GetProfile(ctx, nick)
	if err != nil {
		return UpsertResult{}, err
	}
	if !ok {
		existing = nil
	}
	merged, kind, changed := model.Merge(existing, rec)
	p.ops = append(p.ops, pgOp{
		sql: `INSERT INTO profiles(
            id, nickname, tags, city, gender, married, age,
            joined, followers, status, posts, intro, source,
            scraped_at, last_post_time, last_post_url, image, profile_url,
            posts_url, friend, rank_url, meh_names, meh_types, meh_links, meh_dates)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
        ON CONFLICT (nickname) DO UPDATE SET
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
		args: rowArgs(merged),
	})
	p.pending[nick] = merged.Clone()
	return UpsertResult{Kind: kind, Changed: changed}, nil
}

func (p *Postgres) PendingQueue(ctx context.Context) ([]model.QueueEntry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT nickname, COALESCE(status,''), COALESCE(remarks,''), COALESCE(source,'')
        FROM queue ORDER BY ordinal`)
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

func (p *Postgres) SetQueueStatus(ctx context.Context, nickname string, status model.QueueStatus, remarks string) error {
	if err := p.pacer.wait(ctx); err != nil {
		return err
	}
	p.ops = append(p.ops, pgOp{
		sql: `INSERT INTO queue(nickname, status, remarks, source) VALUES($1,$2,$3,'')
        ON CONFLICT (nickname) DO UPDATE SET status=excluded.status, remarks=excluded.remarks`,
		args: []any{nickname, string(status), remarks},
	})
	return nil
}

func (p *Postgres) AppendSighting(ctx context.Context, s model.Sighting) error {
	if err := p.pacer.wait(ctx); err != nil {
		return err
	}
	p.ops = append(p.ops, pgOp{
		sql:  `INSERT INTO sightings(seen_at, nickname, last_seen) VALUES($1,$2,$3)`,
		args: []any{s.SeenAt, s.Nickname, s.LastSeen},
	})
	return nil
}

func (p *Postgres) AppendRun(ctx context.Context, r model.RunSummary) error {
	if err := p.pacer.wait(ctx); err != nil {
		return err
	}
	p.ops = append(p.ops, pgOp{
		sql: `INSERT INTO runs(
            id, mode, trigger_kind, attempted, succeeded, failed, skipped,
            new_count, updated_count, unchanged_count, sightings,
            fatal_cause, started_at, ended_at)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		args: []any{
			r.ID, r.Mode, r.Trigger, r.Attempted, r.Succeeded, r.Failed, r.Skipped,
			r.New, r.Updated, r.Unchanged, r.Sightings,
			r.FatalCause, r.StartedAt, r.EndedAt,
		},
	})
	return nil
}

// Flush 将缓冲的语句放进单个事务批量执行。
func (p *Postgres) Flush(ctx context.Context) error {
	if len(p.ops) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	b := &pgx.Batch{}
	for _, op := range p.ops {
		b.Queue(op.sql, op.args...)
	}
	br := tx.SendBatch(ctx, b)
	for range p.ops {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			_ = tx.Rollback(ctx)
			return fmt.Errorf("flush batch: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	p.ops = nil
	p.pending = make(map[string]model.Record)
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
