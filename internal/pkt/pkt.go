// 包 pkt 提供站点时间与文本归一化工具：
// - 站点所在时区为巴基斯坦标准时间（UTC+5），所有落库时间戳均按该时区格式化
// - ParseSiteTime 将页面上的相对时间（"5 mins ago"）与多种绝对格式归一化
// - Clean/CleanValue 清理抓取文本与站点占位符（"No city"、"[No Posts]" 等）
package pkt

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Zone 为站点时区（巴基斯坦标准时间，无夏令时）。
var Zone = time.FixedZone("PKT", 5*60*60)

// StampLayout 为统一的站点时间戳格式，例如 "22-Dec-25 04:53 PM"。
const StampLayout = "02-Jan-06 03:04 PM"

// Now 返回站点时区下的当前时间。
func Now() time.Time { return time.Now().In(Zone) }

// Stamp 按统一格式输出站点时间戳。
func Stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(Zone).Format(StampLayout)
}

// ParseStamp 解析统一格式的站点时间戳（大小写不敏感）。
func ParseStamp(s string) (time.Time, error) {
	return time.ParseInLocation(StampLayout, strings.TrimSpace(s), Zone)
}

// 相对时间："5 mins ago" / "2 hours ago" 等，兼容常见缩写。
var agoRe = regexp.MustCompile(`(\d+)\s*(sec|second|min|minute|hr|hour|day|week|month|year)s?\s*ago`)

// 单位对应的秒数（月按 30 天、年按 365 天近似，与站点展示精度一致）。
var unitSeconds = map[string]int64{
	"sec":    1,
	"second": 1,
	"min":    60,
	"minute": 60,
	"hr":     3600,
	"hour":   3600,
	"day":    86400,
	"week":   604800,
	"month":  2592000,
	"year":   31536000,
}

// 绝对格式候选，按从具体到宽松的顺序尝试。
var absoluteLayouts = []string{
	"02-Jan-06 03:04 PM",
	"02-Jan-06 03:04PM",
	"02-Jan-06 15:04:05",
	"02-Jan-06 15:04",
	"02-01-06 15:04",
	"02-01-2006 15:04",
	"2006-01-02 15:04:05",
	"02-Jan-06",
	"02-01-06",
	"2006-01-02",
	"03:04 PM",
	"15:04",
}

// ParseSiteTime 将页面抓到的时间文本归一化为站点时间：
// - 空白或占位输入回退为 now
// - "X units ago" 形式按秒数回推
// - 其余按候选布局逐个解析；仅含日期的补当前时刻，仅含时刻的补当天日期
// - 两位年份落到未来时回退 100 年（站点不会展示未来时间）
func ParseSiteTime(text string, now time.Time) time.Time {
	now = now.In(Zone)
	t := strings.ToLower(Clean(text))
	switch t {
	case "", "-", "n/a", "none", "null":
		return now
	}

	if m := agoRe.FindStringSubmatch(t); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			if sec, ok := unitSeconds[m[2]]; ok {
				return now.Add(-time.Duration(n*sec) * time.Second)
			}
		}
	}

	for _, layout := range absoluteLayouts {
		dt, err := time.ParseInLocation(layout, t, Zone)
		if err != nil {
			continue
		}
		if !strings.Contains(layout, ":") {
			// 仅日期：补当前时刻
			dt = time.Date(dt.Year(), dt.Month(), dt.Day(), now.Hour(), now.Minute(), 0, 0, Zone)
		} else if !strings.Contains(layout, "02") && !strings.Contains(layout, "2006") {
			// 仅时刻：补当天日期
			dt = time.Date(now.Year(), now.Month(), now.Day(), dt.Hour(), dt.Minute(), dt.Second(), 0, Zone)
		}
		if dt.Year() > now.Year()+1 {
			dt = dt.AddDate(-100, 0, 0)
		}
		return dt
	}
	// 无法解析时回退为当前时间，调用方按需记录告警
	return now
}

var spaceRe = regexp.MustCompile(`\s+`)

// Clean 归一化抓取文本：去除不换行空格与换行，压缩连续空白并裁剪首尾。
func Clean(s string) string {
	if s == "" {
		return ""
	}
	s = strings.NewReplacer(" ", " ", "\n", " ", "\r", " ", "\t", " ").Replace(s)
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// 站点在字段缺省时展示的占位文案，一律视为空值（小写比较）。
var placeholders = map[string]struct{}{
	"no city":       {},
	"not set":       {},
	"no set":        {},
	"no age":        {},
	"n/a":           {},
	"none":          {},
	"null":          {},
	"[no posts]":    {},
	"[no post url]": {},
	"[error]":       {},
}

// CleanValue 在 Clean 基础上过滤站点占位文案，保证占位符不会覆盖已知数据。
func CleanValue(s string) string {
	v := Clean(s)
	if _, ok := placeholders[strings.ToLower(v)]; ok {
		return ""
	}
	return v
}
