// 包 session 负责站点会话：Cookie 复用、表单登录与会话状态分类。
// 登录态以 JSON 会话文件持久化，下次运行优先复用；失效时自动重新登录，
// 主账号失败可降级到备用账号（原站点的双账号策略）。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"go-damadam-sync/internal/extract"
	"go-damadam-sync/internal/fetch"
	"go-damadam-sync/internal/logx"
	"go-damadam-sync/internal/pkt"
)

// State 为页面/会话的分类结果。
type State int

const (
	StateOK State = iota
	StateLoginRequired
	StateSuspended
	StateUnverified
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateLoginRequired:
		return "login_required"
	case StateSuspended:
		return "suspended"
	case StateUnverified:
		return "unverified"
	}
	return "unknown"
}

// stateLabel 为日志用中文标签。
func stateLabel(s State) string {
	switch s {
	case StateOK:
		return "正常"
	case StateLoginRequired:
		return "需要登录"
	case StateSuspended:
		return "账号被封禁"
	case StateUnverified:
		return "账号未验证"
	}
	return "未知"
}

// AuthError 为会话级致命错误，Kind 指明账号异常类别。
type AuthError struct {
	Kind    State
	Account string
}

func (e *AuthError) Error() string {
	switch e.Kind {
	case StateSuspended:
		return fmt.Sprintf("account %s suspended", e.Account)
	case StateUnverified:
		return fmt.Sprintf("account %s unverified", e.Account)
	}
	return "login required: credentials rejected or session expired"
}

// Cookie 为会话文件中的单条 Cookie（仅保留请求所需字段）。
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Session 为一次已验证的登录态。
type Session struct {
	Account string   `json:"account"`
	SavedAt string   `json:"saved_at"`
	Cookies []Cookie `json:"cookies"`
}

// HTTP 转换为标准库 Cookie 供请求携带。
func (s *Session) HTTP() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out
}

func fromHTTP(cks []*http.Cookie) []Cookie {
	out := make([]Cookie, 0, len(cks))
	for _, c := range cks {
		out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out
}

// Credentials 为一组登录凭据。
type Credentials struct {
	Nick string
	Pass string
}

// CredentialsFromEnv 从环境变量读取账号：
// 主账号 DDS_NICK/DDS_PASS，备用账号 DDS_NICK2/DDS_PASS2（可缺省）。
func CredentialsFromEnv() (primary, secondary Credentials) {
	primary = Credentials{Nick: os.Getenv("DDS_NICK"), Pass: os.Getenv("DDS_PASS")}
	secondary = Credentials{Nick: os.Getenv("DDS_NICK2"), Pass: os.Getenv("DDS_PASS2")}
	return primary, secondary
}

// Fetcher 为会话所需的抓取能力（生产实现为 *fetch.Client）。
type Fetcher interface {
	Get(ctx context.Context, url string, cookies []*http.Cookie) (*fetch.Page, error)
	PostForm(ctx context.Context, url string, form url.Values, cookies []*http.Cookie) (*fetch.Page, error)
}

// Options 为会话提供者的构造参数。
type Options struct {
	BaseURL    string
	LoginPath  string
	CookieFile string // 为空则不持久化（测试用）
	Markers    []string
	Primary    Credentials
	Secondary  Credentials
}

// Provider 维护当前会话；并发安全，进程内最多一份活动会话。
type Provider struct {
	fetcher Fetcher
	opts    Options

	mu  sync.Mutex
	cur *Session
}

// NewProvider 构造会话提供者。
func NewProvider(f Fetcher, opts Options) *Provider {
	return &Provider{fetcher: f, opts: opts}
}

// Ensure 返回可用会话：优先内存缓存，其次会话文件（须通过首页校验），
// 最后才走表单登录。登录级失败返回 *AuthError。
func (p *Provider) Ensure(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur != nil {
		return p.cur, nil
	}
	if s := p.loadFile(); s != nil {
		st, err := p.validate(ctx, s)
		if err != nil {
			return nil, err
		}
		if st == StateOK {
			logx.Infof("会话：复用已保存的 Cookie（账号 %s）", s.Account)
			p.cur = s
			return s, nil
		}
		logx.Infof("会话：已保存的 Cookie 失效（%s），重新登录", stateLabel(st))
	}
	return p.freshLogin(ctx)
}

// Refresh 丢弃当前会话并强制重新登录（引擎一轮运行最多调用一次）。
func (p *Provider) Refresh(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = nil
	logx.Warnf("会话：强制重新登录")
	return p.freshLogin(ctx)
}

// LoginRequired 判断页面是否落在登录页；仅看最终地址，
// 页面正文的封禁/未验证特征属于被抓取档案自身，不在此判定。
func (p *Provider) LoginRequired(page *fetch.Page) bool {
	if page == nil {
		return true
	}
	return p.loginURLHit(page.FinalURL)
}

// Classify 对会话校验页（本账号视角的页面）做完整分类。
func (p *Provider) Classify(page *fetch.Page) State {
	if p.LoginRequired(page) {
		return StateLoginRequired
	}
	if _, ok := extract.Suspended(page.Body, p.opts.Markers); ok {
		return StateSuspended
	}
	if extract.Unverified(page.Body) {
		return StateUnverified
	}
	return StateOK
}

func (p *Provider) loginURLHit(u string) bool {
	token := strings.ToLower(strings.Trim(p.opts.LoginPath, "/"))
	if token == "" {
		token = "login"
	}
	return strings.Contains(strings.ToLower(u), token)
}

// validate 用首页抓取校验会话是否仍然有效。
func (p *Provider) validate(ctx context.Context, s *Session) (State, error) {
	page, err := p.fetcher.Get(ctx, p.opts.BaseURL+"/", s.HTTP())
	if err != nil {
		return 0, fmt.Errorf("session check: %w", err)
	}
	return p.Classify(page), nil
}

// freshLogin 依次尝试主/备账号；全部失败返回最后一次的 *AuthError。
func (p *Provider) freshLogin(ctx context.Context) (*Session, error) {
	if p.opts.Primary.Nick == "" || p.opts.Primary.Pass == "" {
		return nil, errors.New("login credentials missing (DDS_NICK/DDS_PASS)")
	}
	type account struct {
		cred  Credentials
		label string
	}
	accounts := []account{{p.opts.Primary, "主账号"}}
	if p.opts.Secondary.Nick != "" && p.opts.Secondary.Pass != "" {
		accounts = append(accounts, account{p.opts.Secondary, "备用账号"})
	}
	last := &AuthError{Kind: StateLoginRequired, Account: p.opts.Primary.Nick}
	for _, acc := range accounts {
		logx.Infof("登录：尝试%s %s", acc.label, acc.cred.Nick)
		sess, st, err := p.tryAccount(ctx, acc.cred)
		if err != nil {
			return nil, err
		}
		if st == StateOK {
			p.cur = sess
			p.saveFile(sess)
			logx.Infof("登录成功：%s（会话已保存）", acc.cred.Nick)
			return sess, nil
		}
		logx.Warnf("登录失败：%s（%s）", acc.cred.Nick, stateLabel(st))
		last = &AuthError{Kind: st, Account: acc.cred.Nick}
	}
	return nil, last
}

// tryAccount 执行一次表单登录并用首页校验结果。
// 网络层失败原样返回 error；登录级失败以 State 表达。
func (p *Provider) tryAccount(ctx context.Context, cred Credentials) (*Session, State, error) {
	loginURL := p.opts.BaseURL + p.opts.LoginPath
	page, err := p.fetcher.Get(ctx, loginURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("open login page: %w", err)
	}
	form := url.Values{"nick": {cred.Nick}, "pass": {cred.Pass}}
	if token := csrfToken(page.Body); token != "" {
		form.Set("csrfmiddlewaretoken", token)
	}
	post, err := p.fetcher.PostForm(ctx, loginURL, form, page.Cookies)
	if err != nil {
		return nil, 0, fmt.Errorf("submit login form: %w", err)
	}
	// 200 回显登录页＝凭据被拒，省掉一次校验请求
	if post.StatusCode < 300 && p.loginURLHit(post.FinalURL) {
		return nil, StateLoginRequired, nil
	}
	sess := &Session{
		Account: cred.Nick,
		SavedAt: pkt.Stamp(pkt.Now()),
		Cookies: fromHTTP(mergeCookies(page.Cookies, post.Cookies)),
	}
	st, err := p.validate(ctx, sess)
	if err != nil {
		return nil, 0, err
	}
	if st != StateOK {
		return nil, st, nil
	}
	return sess, StateOK, nil
}

// mergeCookies 按名字合并，后者覆盖前者，保持首次出现顺序。
func mergeCookies(a, b []*http.Cookie) []*http.Cookie {
	var out []*http.Cookie
	idx := map[string]int{}
	for _, c := range append(append([]*http.Cookie{}, a...), b...) {
		if i, ok := idx[c.Name]; ok {
			out[i] = c
			continue
		}
		idx[c.Name] = len(out)
		out = append(out, c)
	}
	return out
}

// csrfToken 从登录页表单提取 Django CSRF 令牌。
func csrfToken(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	v, _ := doc.Find("input[name='csrfmiddlewaretoken']").First().Attr("value")
	return v
}

func (p *Provider) loadFile() *Session {
	if p.opts.CookieFile == "" {
		return nil
	}
	b, err := os.ReadFile(p.opts.CookieFile)
	if err != nil {
		return nil
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		logx.Warnf("会话文件解析失败：%v", err)
		return nil
	}
	if len(s.Cookies) == 0 {
		return nil
	}
	return &s
}

func (p *Provider) saveFile(s *Session) {
	if p.opts.CookieFile == "" {
		return
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(p.opts.CookieFile, b, 0600); err != nil {
		logx.Warnf("会话文件保存失败：%v", err)
	}
}
