// 包 source 提供一次运行的两种工作来源：
// - Queue：目标队列里状态为 Pending 的昵称（队列由运营方维护）
// - Online：站点在线列表轮询到的昵称，顺带记录上线日志
package source

import (
	"context"
	"fmt"
	"net/http"

	"go-damadam-sync/internal/fetch"
	"go-damadam-sync/internal/logx"
	"go-damadam-sync/internal/model"
	"go-damadam-sync/internal/pkt"
	"go-damadam-sync/internal/session"
	"go-damadam-sync/internal/store"
)

// Queue 从目标队列取工作，处理完逐条回写状态与备注。
type Queue struct {
	store store.Store
}

func NewQueue(st store.Store) *Queue { return &Queue{store: st} }

func (q *Queue) Mode() string { return model.SourceTarget }

// List 按存储顺序返回全部待处理昵称。
func (q *Queue) List(ctx context.Context) ([]string, error) {
	entries, err := q.store.PendingQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Nickname)
	}
	return out, nil
}

// Sightings 队列模式不产生上线记录。
func (q *Queue) Sightings() int { return 0 }

// Report 回写队列条目的终态。
func (q *Queue) Report(ctx context.Context, nickname string, status model.QueueStatus, remarks string) error {
	return q.store.SetQueueStatus(ctx, nickname, status, remarks)
}

// Fetcher 是在线列表抓取所需的最小接口。
type Fetcher interface {
	Get(ctx context.Context, rawURL string, cookies []*http.Cookie) (*fetch.Page, error)
}

// Sessions 提供登录态与登录页判定。
type Sessions interface {
	Ensure(ctx context.Context) (*session.Session, error)
	LoginRequired(page *fetch.Page) bool
}

// ListingParser 从在线页提取昵称（按首次出现顺序去重）。
type ListingParser interface {
	OnlineNicknames(page *fetch.Page) []string
}

// Online 轮询在线列表取工作，并为每个见到的昵称追加一条上线记录；
// 之后单个档案抓取失败不影响已记录的上线日志。
type Online struct {
	store    store.Store
	fetcher  Fetcher
	sessions Sessions
	parser   ListingParser
	url      string
	seen     int
}

func NewOnline(st store.Store, f Fetcher, sess Sessions, p ListingParser, listURL string) *Online {
	return &Online{store: st, fetcher: f, sessions: sess, parser: p, url: listURL}
}

func (o *Online) Mode() string { return model.SourceOnline }

// List 抓取在线列表、提取昵称并逐个记上线日志。
// 计数每次取列表时清零，同一个来源可跨轮询复用。
func (o *Online) List(ctx context.Context) ([]string, error) {
	o.seen = 0
	sess, err := o.sessions.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	page, err := o.fetcher.Get(ctx, o.url, sess.HTTP())
	if err != nil {
		return nil, fmt.Errorf("fetch online list: %w", err)
	}
	if o.sessions.LoginRequired(page) {
		return nil, &session.AuthError{Kind: session.StateLoginRequired}
	}
	nicks := o.parser.OnlineNicknames(page)
	logx.Infof("在线列表发现 %d 个昵称", len(nicks))

	stamp := pkt.Stamp(pkt.Now())
	for _, nick := range nicks {
		s := model.Sighting{SeenAt: stamp, Nickname: nick, LastSeen: stamp}
		if err := o.store.AppendSighting(ctx, s); err != nil {
			logx.Warnf("上线记录写入失败 %s：%v", nick, err)
			continue
		}
		o.seen++
	}
	return nicks, nil
}

// Sightings 返回本次 List 成功追加的上线记录条数。
func (o *Online) Sightings() int { return o.seen }

// Report 在线模式没有可回写的队列，终态只进运行汇总。
func (o *Online) Report(ctx context.Context, nickname string, status model.QueueStatus, remarks string) error {
	return nil
}
