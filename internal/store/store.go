// 包 store 定义统一的存储接口，并提供四种后端：
// - SQLite（默认，modernc.org/sqlite 纯 Go 驱动）
// - Postgres（pgx 连接池，批量提交）
// - CSV（目录内一组平面文件，便于人工查看）
// - Memory（进程内缓冲，试运行与测试用）
// 写入先缓存在后端内部，由 Flush 在批次边界统一提交。
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"go-damadam-sync/internal/model"
)

// UpsertResult 描述一次合并写入的结果：新增/更新/未变化，以及发生变化的列名。
type UpsertResult struct {
	Kind    model.ChangeKind
	Changed []string
}

// Store 为各后端共同实现的存储接口。
// 批次边界之外未 Flush 的写入不保证持久；中途崩溃最多丢一个批次。
type Store interface {
	// GetProfile 按昵称读取档案，第二个返回值表示是否存在。
	GetProfile(ctx context.Context, nickname string) (model.Record, bool, error)
	// UpsertProfile 将抓取记录与既有档案按列合并后写入整行。
	UpsertProfile(ctx context.Context, rec model.Record) (UpsertResult, error)
	// PendingQueue 按存储顺序返回待处理的队列条目。
	PendingQueue(ctx context.Context) ([]model.QueueEntry, error)
	// SetQueueStatus 回写队列条目的状态与备注，条目不存在时创建。
	SetQueueStatus(ctx context.Context, nickname string, status model.QueueStatus, remarks string) error
	// AppendSighting 追加一条上线记录（只追加，不去重）。
	AppendSighting(ctx context.Context, s model.Sighting) error
	// AppendRun 追加一条运行汇总。
	AppendRun(ctx context.Context, r model.RunSummary) error
	// Flush 将缓存的写入提交到持久介质。
	Flush(ctx context.Context) error
	Close() error
}

// Open 按数据库类型打开对应后端；writeDelay 为写操作之间的最小间隔。
func Open(ctx context.Context, typ, dsn string, writeDelay time.Duration) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "sqlite":
		return OpenSQLite(dsn, writeDelay)
	case "postgres":
		return OpenPostgres(ctx, dsn, writeDelay)
	case "csv":
		return OpenCSV(dsn, writeDelay)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown database type %q", typ)
	}
}

// writePacer 以固定间隔节流写操作；零间隔时不生效。
type writePacer struct {
	lim *rate.Limiter
}

func newWritePacer(delay time.Duration) writePacer {
	if delay <= 0 {
		return writePacer{}
	}
	return writePacer{lim: rate.NewLimiter(rate.Every(delay), 1)}
}

func (p writePacer) wait(ctx context.Context) error {
	if p.lim == nil {
		return nil
	}
	return p.lim.Wait(ctx)
}

// applyTags 将标签表中的标签并入待写记录。标签表由运营方维护，是权威来源；
// 抓取记录本身不产出标签列，因此这里直接覆盖。
func applyTags(tags map[string]string, rec model.Record) model.Record {
	if len(tags) == 0 {
		return rec
	}
	v, ok := tags[rec.Nickname()]
	if !ok || v == "" {
		return rec
	}
	out := rec.Clone()
	out[model.ColTags] = v
	return out
}
