// 包 model 定义同步引擎的数据模型：
// - Record：按列名寻址的档案记录（键存在即字段存在，避免空串歧义）
// - QueueEntry/Sighting/RunSummary：队列条目、上线记录与运行汇总
// - Merge：字段级差异合并（见 merge.go）
package model

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"go-damadam-sync/internal/pkt"
)

// 档案记录的列名（同时作为各后端的表结构列序）。
const (
	ColID           = "id"
	ColNickname     = "nickname"
	ColTags         = "tags"
	ColCity         = "city"
	ColGender       = "gender"
	ColMarried      = "married"
	ColAge          = "age"
	ColJoined       = "joined"
	ColFollowers    = "followers"
	ColStatus       = "status"
	ColPosts        = "posts"
	ColIntro        = "intro"
	ColSource       = "source"
	ColScrapedAt    = "scraped_at"
	ColLastPostTime = "last_post_time"
	ColLastPostURL  = "last_post_url"
	ColImage        = "image"
	ColProfileURL   = "profile_url"
	ColPostsURL     = "posts_url"
	ColFriend       = "friend"
	ColRankURL      = "rank_url"
	ColMehNames     = "meh_names"
	ColMehTypes     = "meh_types"
	ColMehLinks     = "meh_links"
	ColMehDates     = "meh_dates"
)

// Columns 为固定列序，落库与 CSV 表头均按此顺序。
var Columns = []string{
	ColID, ColNickname, ColTags, ColCity, ColGender, ColMarried, ColAge,
	ColJoined, ColFollowers, ColStatus, ColPosts, ColIntro, ColSource,
	ColScrapedAt, ColLastPostTime, ColLastPostURL, ColImage, ColProfileURL,
	ColPostsURL, ColFriend, ColRankURL, ColMehNames, ColMehTypes,
	ColMehLinks, ColMehDates,
}

// 账号状态（被抓取档案自身的状态，区别于会话账号的致命异常）。
const (
	StatusNormal     = "Normal"
	StatusBanned     = "Banned"
	StatusUnverified = "Unverified"
)

// 写入来源（最近一次写入该记录的模式）。
const (
	SourceTarget = "Target"
	SourceOnline = "Online"
)

// Record 为一条档案记录；键不存在表示该字段本次未提取到。
type Record map[string]string

// Nickname 返回记录主键（已裁剪）。
func (r Record) Nickname() string { return strings.TrimSpace(r[ColNickname]) }

// Clone 返回记录的浅拷贝（值均为字符串，等价于深拷贝）。
func (r Record) Clone() Record {
	if r == nil {
		return Record{}
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Values 按固定列序导出取值，用于整行落库。
func (r Record) Values() []string {
	out := make([]string, len(Columns))
	for i, col := range Columns {
		out[i] = r[col]
	}
	return out
}

// FromValues 按固定列序还原记录，仅保留非空列。
func FromValues(vals []string) Record {
	out := make(Record, len(Columns))
	for i, col := range Columns {
		if i < len(vals) && vals[i] != "" {
			out[col] = vals[i]
		}
	}
	return out
}

// ChangeKind 表示一次合并的结果类别。
type ChangeKind string

const (
	ChangeNew       ChangeKind = "new"
	ChangeUpdated   ChangeKind = "updated"
	ChangeUnchanged ChangeKind = "unchanged"
)

// QueueStatus 为队列条目状态；一次运行内仅允许 Pending → Done|Error。
type QueueStatus string

const (
	QueuePending QueueStatus = "Pending"
	QueueDone    QueueStatus = "Done"
	QueueError   QueueStatus = "Error"
)

// QueueEntry 为目标队列中的一行（运营方维护，引擎只回写状态与备注）。
type QueueEntry struct {
	Nickname string      `json:"nickname"`
	Status   QueueStatus `json:"status"`
	Remarks  string      `json:"remarks,omitempty"`
	Source   string      `json:"source,omitempty"`
}

// IsPending 判断原始状态文本是否视为待处理（空串与各种 pending 写法均算）。
func IsPending(raw string) bool {
	s := strings.ToLower(strings.TrimSpace(raw))
	return s == "" || strings.Contains(s, "pending")
}

// NormalizeQueueStatus 将任意状态文本归一为三态，未识别的按 Error 处理。
func NormalizeQueueStatus(raw string) QueueStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "", strings.Contains(s, "pending"):
		return QueuePending
	case strings.Contains(s, "done"), strings.Contains(s, "complete"):
		return QueueDone
	default:
		return QueueError
	}
}

// Sighting 为上线记录：某昵称出现在在线列表的一次观测（只追加，不去重）。
type Sighting struct {
	SeenAt   string `json:"seen_at"`
	Nickname string `json:"nickname"`
	LastSeen string `json:"last_seen"`
}

// RunSummary 为一次运行的汇总，运行结束时一次性落库，之后不再变更。
type RunSummary struct {
	ID         string `json:"id"`
	Mode       string `json:"mode"`
	Trigger    string `json:"trigger"`
	Attempted  int    `json:"attempted"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	New        int    `json:"new"`
	Updated    int    `json:"updated"`
	Unchanged  int    `json:"unchanged"`
	Sightings  int    `json:"sightings"`
	FatalCause string `json:"fatal_cause,omitempty"`
	StartedAt  string `json:"started_at"`
	EndedAt    string `json:"ended_at"`
}

// NewRunSummary 在运行开始时创建汇总骨架并记录起始时间。
func NewRunSummary(mode, trigger string) RunSummary {
	return RunSummary{
		ID:        uuid.NewString(),
		Mode:      mode,
		Trigger:   trigger,
		StartedAt: pkt.Stamp(pkt.Now()),
	}
}

// 合法昵称：站点允许的字符集且长度受限（超出的一律视为脏数据）。
var nicknameRe = regexp.MustCompile(`^[\w.\-]+$`)

// ValidNickname 校验并裁剪昵称，非法时返回 false。
func ValidNickname(raw string) (string, bool) {
	nick := strings.TrimSpace(raw)
	if nick == "" || len(nick) > 50 || !nicknameRe.MatchString(nick) {
		return "", false
	}
	return nick, true
}
