// 包 engine 负责同步主流程编排：
// - 从来源取昵称列表，截断后按批次顺序处理，批次边界提交存储
// - 单个条目：校验→会话→抓取→解析→合并写入→回写终态
// - 条目级失败只计数与回写，不中断运行；会话级异常立即终止剩余条目
// - 运行结束（含中止与取消）时汇总一次性落库
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go-damadam-sync/internal/extract"
	"go-damadam-sync/internal/fetch"
	"go-damadam-sync/internal/logx"
	"go-damadam-sync/internal/model"
	"go-damadam-sync/internal/pkt"
	"go-damadam-sync/internal/session"
	"go-damadam-sync/internal/store"
)

// Source 提供一次运行的工作列表，并接收每个条目的终态回写。
type Source interface {
	// Mode 返回写入来源标签（Target/Online）。
	Mode() string
	// List 返回本次要处理的昵称（保持来源顺序）。
	List(ctx context.Context) ([]string, error)
	// Sightings 返回 List 阶段记录的上线条数（队列模式恒为 0）。
	Sightings() int
	// Report 回写单个条目的终态（在线模式为空操作）。
	Report(ctx context.Context, nickname string, status model.QueueStatus, remarks string) error
}

// Fetcher 拉取单个页面。
type Fetcher interface {
	Get(ctx context.Context, rawURL string, cookies []*http.Cookie) (*fetch.Page, error)
}

// Sessions 管理登录态。
type Sessions interface {
	Ensure(ctx context.Context) (*session.Session, error)
	Refresh(ctx context.Context) (*session.Session, error)
	LoginRequired(page *fetch.Page) bool
}

// Extractor 把抓到的档案页解析成记录。
type Extractor interface {
	Profile(page *fetch.Page, nickname string) (model.Record, error)
}

// Options 为一次运行的参数。
type Options struct {
	BaseURL   string
	Trigger   string
	MaxItems  int // 0 表示不限
	BatchSize int
}

// Engine 同步执行器，持有存储/抓取/会话/解析四个协作方。
type Engine struct {
	store    store.Store
	fetcher  Fetcher
	sessions Sessions
	parser   Extractor
	opts     Options

	// 运行内状态：重登机会一次，连续存储失败计数
	reauthed   bool
	storeFails int
}

// New 创建 Engine。
func New(st store.Store, f Fetcher, sess Sessions, p Extractor, opts Options) *Engine {
	return &Engine{store: st, fetcher: f, sessions: sess, parser: p, opts: opts}
}

// fatalError 标记对整次运行致命的错误（会话不可用、二次掉登录、持续存储失败）。
type fatalError struct{ err error }

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Run 执行一次同步并返回汇总；error 非空表示运行被致命条件中止。
// 无论结局如何，汇总都会追加落库并提交。
func (e *Engine) Run(ctx context.Context, src Source) (model.RunSummary, error) {
	e.reauthed = false
	e.storeFails = 0

	sum := model.NewRunSummary(src.Mode(), e.opts.Trigger)
	logx.Infof("运行开始：mode=%s trigger=%s id=%s", sum.Mode, sum.Trigger, sum.ID)

	runErr := e.run(ctx, src, &sum)
	if runErr != nil {
		sum.FatalCause = runErr.Error()
	}
	sum.Sightings = src.Sightings()
	e.finalize(ctx, &sum)

	logx.Infof("运行结束：attempted=%d succeeded=%d failed=%d skipped=%d new=%d updated=%d unchanged=%d sightings=%d",
		sum.Attempted, sum.Succeeded, sum.Failed, sum.Skipped, sum.New, sum.Updated, sum.Unchanged, sum.Sightings)
	if runErr != nil {
		logx.Errorf("运行中止：%v", runErr)
	}
	return sum, runErr
}

func (e *Engine) run(ctx context.Context, src Source, sum *model.RunSummary) error {
	items, err := e.listItems(ctx, src)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		logx.Infof("没有待处理条目")
		return nil
	}
	if e.opts.MaxItems > 0 && len(items) > e.opts.MaxItems {
		logx.Infof("条目截断：%d -> %d", len(items), e.opts.MaxItems)
		items = items[:e.opts.MaxItems]
	}

	batch := e.opts.BatchSize
	if batch <= 0 {
		batch = len(items)
	}
	for start := 0; start < len(items); start += batch {
		end := start + batch
		if end > len(items) {
			end = len(items)
		}
		logx.Infof("批次 %d-%d / 共 %d", start+1, end, len(items))
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.processItem(ctx, src, items[i], i+1, len(items), sum); err != nil {
				return err
			}
		}
		if err := e.storeRetry(ctx, "批次提交", func() error { return e.store.Flush(ctx) }); err != nil {
			return fmt.Errorf("flush batch: %w", err)
		}
	}
	return nil
}

// listItems 取工作列表；List 阶段掉登录则消耗本次运行唯一的重登机会。
func (e *Engine) listItems(ctx context.Context, src Source) ([]string, error) {
	items, err := src.List(ctx)
	if err == nil {
		return items, nil
	}
	var ae *session.AuthError
	if errors.As(err, &ae) && ae.Kind == session.StateLoginRequired && !e.reauthed {
		e.reauthed = true
		logx.Warnf("登录态失效，重新登录后重试取列表")
		if _, err := e.sessions.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("refresh session: %w", err)
		}
		return src.List(ctx)
	}
	return nil, err
}

// processItem 处理单个昵称；返回非空 error 时整次运行终止。
func (e *Engine) processItem(ctx context.Context, src Source, raw string, idx, total int, sum *model.RunSummary) error {
	sum.Attempted++
	logx.Infof("[%d/%d] 处理 %s", idx, total, raw)

	nick, ok := model.ValidNickname(raw)
	if !ok {
		sum.Failed++
		e.report(ctx, src, raw, model.QueueError, "invalid nickname")
		logx.Warnf("[%d/%d] 非法昵称：%q", idx, total, raw)
		return nil
	}

	page, err := e.getProfilePage(ctx, nick)
	if err != nil {
		var fe *fatalError
		if errors.As(err, &fe) {
			return err
		}
		sum.Failed++
		e.report(ctx, src, nick, model.QueueError, clip(err.Error(), 100))
		logx.Warnf("[%d/%d] 抓取失败 %s：%v", idx, total, nick, err)
		return nil
	}

	rec, err := e.parser.Profile(page, nick)
	if err != nil {
		sum.Failed++
		e.report(ctx, src, nick, model.QueueError, clip(err.Error(), 100))
		logx.Warnf("[%d/%d] 解析失败 %s：%v", idx, total, nick, err)
		return nil
	}
	rec[model.ColSource] = src.Mode()

	var skipRemark string
	switch rec[model.ColStatus] {
	case model.StatusBanned:
		skipRemark = "Account Suspended"
	case model.StatusUnverified:
		skipRemark = "Unverified user"
	}

	// 被跳过的档案同样落库（封禁/未验证状态本身就是要保存的信息）
	var res store.UpsertResult
	err = e.storeRetry(ctx, "写入档案", func() error {
		r, uerr := e.store.UpsertProfile(ctx, rec)
		if uerr == nil {
			res = r
		}
		return uerr
	})
	if err != nil {
		e.storeFails++
		sum.Failed++
		e.report(ctx, src, nick, model.QueueError, "store write failed")
		logx.Errorf("[%d/%d] 写入失败 %s：%v", idx, total, nick, err)
		if e.storeFails >= 3 {
			return &fatalError{fmt.Errorf("persistent store failure: %w", err)}
		}
		return nil
	}
	e.storeFails = 0

	if skipRemark != "" {
		sum.Skipped++
		e.report(ctx, src, nick, model.QueueError, skipRemark)
		logx.Infof("[%d/%d] 跳过 %s：%s", idx, total, nick, skipRemark)
		return nil
	}

	sum.Succeeded++
	var label string
	switch res.Kind {
	case model.ChangeNew:
		sum.New++
		label = "新增"
	case model.ChangeUpdated:
		sum.Updated++
		label = "更新 " + strings.Join(res.Changed, ",")
	default:
		sum.Unchanged++
		label = "无变化"
	}
	e.report(ctx, src, nick, model.QueueDone, doneRemark(res))
	logx.Infof("[%d/%d] %s：%s", idx, total, nick, label)
	return nil
}

// getProfilePage 确保会话后抓取档案页。终态 URL 落在登录页时重登一次并
// 重做本条目；重登机会已用完则对运行致命。
func (e *Engine) getProfilePage(ctx context.Context, nick string) (*fetch.Page, error) {
	for redo := false; ; {
		sess, err := e.sessions.Ensure(ctx)
		if err != nil {
			return nil, &fatalError{fmt.Errorf("ensure session: %w", err)}
		}
		page, err := e.fetcher.Get(ctx, extract.ProfileURL(e.opts.BaseURL, nick), sess.HTTP())
		if err != nil {
			if ctx.Err() != nil {
				return nil, &fatalError{ctx.Err()}
			}
			return nil, err
		}
		if !e.sessions.LoginRequired(page) {
			return page, nil
		}
		if e.reauthed || redo {
			return nil, &fatalError{&session.AuthError{Kind: session.StateLoginRequired}}
		}
		e.reauthed, redo = true, true
		logx.Warnf("登录态失效，重新登录后重做 %s", nick)
		if _, err := e.sessions.Refresh(ctx); err != nil {
			return nil, &fatalError{fmt.Errorf("refresh session: %w", err)}
		}
	}
}

// report 回写条目终态；回写失败只告警，不改变条目结局。
func (e *Engine) report(ctx context.Context, src Source, nick string, status model.QueueStatus, remarks string) {
	err := e.storeRetry(ctx, "回写状态", func() error {
		return src.Report(ctx, nick, status, remarks)
	})
	if err != nil {
		logx.Warnf("回写 %s 终态失败：%v", nick, err)
	}
}

// storeRetry 对单次存储写入最多尝试 3 次，线性退避。
func (e *Engine) storeRetry(ctx context.Context, what string, fn func() error) error {
	const attempts = 3
	var last error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn()
		if last == nil {
			return nil
		}
		logx.Warnf("%s第 %d 次失败：%v", what, i, last)
		if i < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * 200 * time.Millisecond):
			}
		}
	}
	return last
}

// finalize 补齐结束时间并把汇总落库提交；取消的运行同样收尾。
func (e *Engine) finalize(ctx context.Context, sum *model.RunSummary) {
	ctx = context.WithoutCancel(ctx)
	sum.EndedAt = pkt.Stamp(pkt.Now())
	if err := e.storeRetry(ctx, "写入运行汇总", func() error { return e.store.AppendRun(ctx, *sum) }); err != nil {
		logx.Errorf("运行汇总写入失败：%v", err)
	}
	if err := e.storeRetry(ctx, "收尾提交", func() error { return e.store.Flush(ctx) }); err != nil {
		logx.Errorf("收尾提交失败：%v", err)
	}
}

// doneRemark 生成成功条目的队列备注，更新时附带变化列名。
func doneRemark(res store.UpsertResult) string {
	switch res.Kind {
	case model.ChangeNew:
		return "New profile created"
	case model.ChangeUpdated:
		return clip("Updated: "+strings.Join(res.Changed, ", "), 100)
	default:
		return "No changes"
	}
}

// clip 截断过长文本，备注列不吃长错误串。
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
