// 包 extract 提供站点页面解析：
// - 档案页：按 rules 预设的 CSS 选择器抽取字段，组装 model.Record
// - 在线列表页：多策略提取当前在线昵称
// - 支持 "选择器@属性"、"||" 多方案回退与相对 URL 绝对化
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"go-damadam-sync/internal/fetch"
	"go-damadam-sync/internal/model"
	"go-damadam-sync/internal/pkt"
	"go-damadam-sync/internal/rules"
)

// 档案简介落库上限（字符）。
const introLimit = 250

var (
	unverifiedRe = regexp.MustCompile(`(?i)>\s*unverified\s*user\s*<`)
	tidRe        = regexp.MustCompile(`name=["']tid["']\s+value=["'](\d+)["']`)
	plRe         = regexp.MustCompile(`name=["']pl["']\s+value=["']\*\*\*\d+\*(\d+)\*`)
	rankRe       = regexp.MustCompile(`src="(/static/img/stars/[^"]+)"`)
	redirectRe   = regexp.MustCompile(`/redirect/([^/]+)/?`)
	digitsRe     = regexp.MustCompile(`\d+`)
)

// Error 表示页面结构不符合预期；属内容问题，调用方不应重试。
type Error struct {
	URL    string
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("extract %s: %s", e.URL, e.Reason) }

// Unverified 判断页面是否带未验证用户标记（文字徽标或 tomato 底色）。
func Unverified(body string) bool {
	return unverifiedRe.MatchString(body) || strings.Contains(strings.ToLower(body), "background:tomato")
}

// Suspended 返回页面命中的封禁特征串；站点固定文案 "account suspended"
// 始终参与判定，markers 为配置的补充特征（小写子串匹配）。
func Suspended(body string, markers []string) (string, bool) {
	lower := strings.ToLower(body)
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" && strings.Contains(lower, m) {
			return m, true
		}
	}
	if strings.Contains(lower, "account suspended") {
		return "account suspended", true
	}
	return "", false
}

// ProfileURL 返回档案页抓取地址（带尾斜杠，站点会对缺斜杠形式跳转）。
func ProfileURL(base, nick string) string {
	return strings.TrimRight(base, "/") + "/users/" + nick + "/"
}

// PostsURL 返回公开帖子页地址。
func PostsURL(base, nick string) string {
	return strings.TrimRight(base, "/") + "/profile/public/" + nick
}

// Parser 为选择器驱动的页面解析器。
type Parser struct {
	base    string
	profile *rules.ProfilePage
	online  *rules.OnlinePage
	markers []string
}

// NewParser 构造解析器；markers 为封禁页特征串（来自配置）。
func NewParser(baseURL string, preset rules.Preset, markers []string) *Parser {
	return &Parser{
		base:    strings.TrimRight(baseURL, "/"),
		profile: preset.Profile,
		online:  preset.Online,
		markers: markers,
	}
}

// Profile 解析档案页并组装记录。封禁档案提前返回（状态 Banned，字段截断），
// 未验证档案照常解析全部字段（状态 Unverified）；页面形态异常返回 *Error。
func (p *Parser) Profile(page *fetch.Page, nickname string) (model.Record, error) {
	if p.profile == nil {
		return nil, &Error{URL: page.FinalURL, Reason: "no profile rules configured"}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.Body))
	if err != nil {
		return nil, &Error{URL: page.FinalURL, Reason: fmt.Sprintf("parse html: %v", err)}
	}
	if doc.Find(p.profile.Heading).Length() == 0 {
		return nil, &Error{URL: page.FinalURL, Reason: fmt.Sprintf("page shape: %q not found", p.profile.Heading)}
	}

	baseURL := page.FinalURL
	if baseURL == "" {
		baseURL = ProfileURL(p.base, nickname)
	}
	rec := model.Record{
		model.ColNickname:   nickname,
		model.ColScrapedAt:  pkt.Stamp(pkt.Now()),
		model.ColProfileURL: strings.TrimSuffix(ProfileURL(p.base, nickname), "/"),
		model.ColPostsURL:   PostsURL(p.base, nickname),
	}

	// 与封禁判定无关的字段先行提取（封禁档案也保留这些）
	if id := userID(page.Body); id != "" {
		rec[model.ColID] = id
	}
	if friend := friendStatus(doc, page.Body); friend != "" {
		rec[model.ColFriend] = friend
	}
	if rank := rankURL(page.Body, baseURL); rank != "" {
		rec[model.ColRankURL] = rank
	}
	p.mehfil(doc, baseURL, rec)

	if _, banned := Suspended(page.Body, p.markers); banned {
		rec[model.ColStatus] = model.StatusBanned
		rec[model.ColIntro] = "Account Suspended"
		return rec, nil
	}
	if Unverified(page.Body) {
		rec[model.ColStatus] = model.StatusUnverified
	} else {
		rec[model.ColStatus] = model.StatusNormal
	}

	scope := doc.Selection
	if intro := clip(pkt.Clean(getVal(scope, p.profile.Intro)), introLimit); intro != "" {
		rec[model.ColIntro] = intro
	}
	if city := labeled(scope, p.profile.City, "City"); city != "" {
		rec[model.ColCity] = city
	}
	if g := gender(labeled(scope, p.profile.Gender, "Gender")); g != "" {
		rec[model.ColGender] = g
	}
	if m := married(labeled(scope, p.profile.Married, "Married")); m != "" {
		rec[model.ColMarried] = m
	}
	if age := labeled(scope, p.profile.Age, "Age"); age != "" {
		rec[model.ColAge] = age
	}
	if joined := labeled(scope, p.profile.Joined, "Joined"); joined != "" {
		rec[model.ColJoined] = pkt.Stamp(pkt.ParseSiteTime(joined, pkt.Now()))
	}
	if followers := digits(labeled(scope, p.profile.Followers, "Followers")); followers != "" {
		rec[model.ColFollowers] = followers
	}
	if posts := digits(labeled(scope, p.profile.Posts, "Posts")); posts != "" {
		rec[model.ColPosts] = posts
	}
	if img := abs(baseURL, getVal(scope, p.profile.Image)); img != "" {
		rec[model.ColImage] = img
	}
	// 最近帖子选择器默认留空（站点该区块改版频繁），配置后才启用
	if link := abs(baseURL, getVal(scope, p.profile.LastPostLink)); link != "" {
		rec[model.ColLastPostURL] = link
	}
	if ts := getVal(scope, p.profile.LastPostTime); ts != "" {
		rec[model.ColLastPostTime] = pkt.Stamp(pkt.ParseSiteTime(ts, pkt.Now()))
	}
	return rec, nil
}

// OnlineNicknames 依次尝试在线列表策略，返回首个命中策略的昵称序列，
// 按页面出现顺序去重（保首见）。
func (p *Parser) OnlineNicknames(page *fetch.Page) []string {
	if p.online == nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.Body))
	if err != nil {
		return nil
	}
	for _, strat := range p.online.Strategies {
		vals := collectAll(doc.Selection, strat)
		nicks := make([]string, 0, len(vals))
		seen := make(map[string]struct{}, len(vals))
		for _, v := range vals {
			nick := nickFromValue(v)
			if nick == "" {
				continue
			}
			if _, dup := seen[nick]; dup {
				continue
			}
			seen[nick] = struct{}{}
			nicks = append(nicks, nick)
		}
		if len(nicks) > 0 {
			return nicks
		}
	}
	return nil
}

// nickFromValue 从策略取值中提取昵称；跳转表单的 action 需走正则。
func nickFromValue(v string) string {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "/redirect/") {
		if m := redirectRe.FindStringSubmatch(v); m != nil {
			return m[1]
		}
		return ""
	}
	return v
}

// mehfil 提取麦夫里（站内群组）列表；四列按条目对齐后换行拼接。
func (p *Parser) mehfil(doc *goquery.Document, baseURL string, rec model.Record) {
	m := p.profile.Mehfil
	if m == nil || m.Entry == "" {
		return
	}
	var names, types, links, dates []string
	doc.Find(m.Entry).Each(func(_ int, s *goquery.Selection) {
		names = append(names, pkt.Clean(getVal(s, m.Name)))
		var ts []string
		s.Find(m.Types).Each(func(_ int, t *goquery.Selection) {
			if v := pkt.Clean(t.Text()); v != "" {
				ts = append(ts, v)
			}
		})
		types = append(types, strings.Join(ts, ", "))
		href, _ := s.Attr("href")
		links = append(links, abs(baseURL, href))
		date := pkt.Clean(getVal(s, m.Date))
		// 站点日期带 "member since" 前缀
		if idx := strings.LastIndex(strings.ToLower(date), "since"); idx != -1 {
			date = strings.TrimSpace(date[idx+len("since"):])
		}
		if date != "" {
			date = pkt.Stamp(pkt.ParseSiteTime(date, pkt.Now()))
		}
		dates = append(dates, date)
	})
	if len(names) == 0 {
		return
	}
	rec[model.ColMehNames] = strings.Join(names, "\n")
	rec[model.ColMehTypes] = strings.Join(types, "\n")
	rec[model.ColMehLinks] = strings.Join(links, "\n")
	rec[model.ColMehDates] = strings.Join(dates, "\n")
}

// userID 从隐藏表单域提取站点数字 ID，主备两种形态。
func userID(body string) string {
	if m := tidRe.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	if m := plRe.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

// friendStatus 依据关注表单判断本账号是否已关注对方：
// 按钮文字优先，原始 HTML 的表单 action 兜底。
func friendStatus(doc *goquery.Document, body string) string {
	label := strings.ToUpper(strings.TrimSpace(doc.Find("form[action*='/follow/'] button").First().Text()))
	if strings.Contains(label, "UNFOLLOW") {
		return "Yes"
	}
	if strings.Contains(label, "FOLLOW") {
		return "No"
	}
	if strings.Contains(body, `action="/follow/remove/`) {
		return "Yes"
	}
	if strings.Contains(body, `action="/follow/add/`) {
		return "No"
	}
	return ""
}

// rankURL 提取等级星标图地址并绝对化。
func rankURL(body, baseURL string) string {
	m := rankRe.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return abs(baseURL, m[1])
}

// labeled 取标签字段值；命中 "Label:" 整块文本时剥离标签前缀。
func labeled(scope *goquery.Selection, expr, label string) string {
	v := getVal(scope, expr)
	if v == "" {
		return ""
	}
	if idx := strings.Index(v, label+":"); idx != -1 {
		v = v[idx+len(label)+1:]
	}
	return pkt.CleanValue(v)
}

// gender 归一化性别取值（先查 female 再查 male，避免子串误判）。
func gender(v string) string {
	lower := strings.ToLower(v)
	switch {
	case strings.Contains(lower, "female"):
		return "Female"
	case strings.Contains(lower, "male"):
		return "Male"
	}
	return ""
}

// married 归一化婚姻状态取值。
func married(v string) string {
	switch strings.ToLower(v) {
	case "yes", "married":
		return "Yes"
	case "no", "single", "unmarried":
		return "No"
	}
	return ""
}

// digits 只保留数字字符（"1,234" -> "1234"）。
func digits(v string) string {
	return strings.Join(digitsRe.FindAllString(v, -1), "")
}

// clip 按字符截断（站点简介可能超长）。
func clip(v string, limit int) string {
	r := []rune(v)
	if len(r) <= limit {
		return v
	}
	return string(r[:limit])
}

// getVal 解析表达式并支持使用 "||" 作为回退分隔，例如："a@href||@href" 或 ".name||."。
func getVal(scope *goquery.Selection, expr string) string {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return ""
	}
	if strings.Contains(expr, "||") {
		parts := strings.Split(expr, "||")
		for _, p := range parts {
			if v := getValSingle(scope, strings.TrimSpace(p)); v != "" {
				return v
			}
		}
		return ""
	}
	return getValSingle(scope, expr)
}

// getValSingle 解析单个表达式：文本或属性读取。
func getValSingle(scope *goquery.Selection, expr string) string {
	if expr == "" {
		return ""
	}
	if expr == "." {
		return strings.TrimSpace(scope.Text())
	}
	if at := strings.Index(expr, "@"); at != -1 {
		sel := strings.TrimSpace(expr[:at])
		attr := strings.TrimSpace(expr[at+1:])
		if sel == "" {
			val, _ := scope.Attr(attr)
			return strings.TrimSpace(val)
		}
		if el := scope.Find(sel).First(); el != nil {
			val, _ := el.Attr(attr)
			return strings.TrimSpace(val)
		}
		return ""
	}
	if el := scope.Find(expr).First(); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

// collectAll 取表达式的全部命中值（在线列表用，不做回退拆分）。
func collectAll(scope *goquery.Selection, expr string) []string {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	var out []string
	if at := strings.Index(expr, "@"); at != -1 {
		sel := strings.TrimSpace(expr[:at])
		attr := strings.TrimSpace(expr[at+1:])
		scope.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if v, ok := s.Attr(attr); ok {
				out = append(out, strings.TrimSpace(v))
			}
		})
		return out
	}
	scope.Find(expr).Each(func(_ int, s *goquery.Selection) {
		out = append(out, strings.TrimSpace(s.Text()))
	})
	return out
}

// abs 将相对链接转换为绝对 URL。
func abs(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	bu, err := url.Parse(base)
	if err != nil {
		return ref
	}
	ru, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return bu.ResolveReference(ru).String()
}
