// 包 fetch 封装 HTTP 客户端（代理/超时/节流/重试），用于抓取站点页面。
// 每次请求（含重试）前都会按 [MinDelay, MaxDelay] 随机延迟，节流是强制的。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// 页面正文读取上限，防止异常响应撑爆内存。
const maxBody = 2 << 20

// Kind 为抓取错误的类别，调用方按类别分流处理。
type Kind int

const (
	// KindTimeout：单次请求超时（可重试）
	KindTimeout Kind = iota + 1
	// KindNotFound：目标不存在（404，立即终止，不重试）
	KindNotFound
	// KindHTTP：其他 HTTP 状态错误（4xx 终止，5xx 重试后并入 Exhausted）
	KindHTTP
	// KindExhausted：尝试预算用尽，包裹最后一次失败原因
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindHTTP:
		return "http"
	case KindExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Error 为抓取失败的结构化错误。
type Error struct {
	Kind     Kind
	URL      string
	Status   int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("fetch %s: timeout", e.URL)
	case KindNotFound:
		return fmt.Sprintf("fetch %s: not found (404)", e.URL)
	case KindHTTP:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
	case KindExhausted:
		return fmt.Sprintf("fetch %s: %d attempts exhausted: %v", e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind 判断错误链上是否存在指定 Kind 的抓取错误。
func IsKind(err error, k Kind) bool {
	for {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == k {
			return true
		}
		err = fe.Unwrap()
	}
}

// Page 为一次成功抓取的结果：状态码、跳转后的最终地址与限长正文。
type Page struct {
	StatusCode int
	FinalURL   string
	Body       string
	Cookies    []*http.Cookie
}

// Client 为带节流与重试的 HTTP 客户端。
type Client struct {
	follow   *http.Client // 跟随跳转，用于页面抓取
	bare     *http.Client // 不跟随跳转，用于登录表单（保留 Set-Cookie 与 Location）
	retry    int
	minDelay time.Duration
	maxDelay time.Duration
}

// Options 为客户端构造参数。
type Options struct {
	ProxyHTTP  string
	ProxyHTTPS string
	Timeout    time.Duration
	Retry      int // 总尝试次数（含首次），<=0 时按 1 处理
	MinDelay   time.Duration
	MaxDelay   time.Duration
}

// New 创建客户端，支持 http/https 代理与基础超时配置。
func New(opts Options) (*Client, error) {
	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "https" && opts.ProxyHTTPS != "" {
				return url.Parse(opts.ProxyHTTPS)
			}
			if req.URL.Scheme == "http" && opts.ProxyHTTP != "" {
				return url.Parse(opts.ProxyHTTP)
			}
			return http.ProxyFromEnvironment(req)
		},
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry <= 0 {
		opts.Retry = 1
	}
	follow := &http.Client{Transport: transport, Timeout: opts.Timeout}
	bare := &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Client{
		follow:   follow,
		bare:     bare,
		retry:    opts.Retry,
		minDelay: opts.MinDelay,
		maxDelay: opts.MaxDelay,
	}, nil
}

// Get 抓取一个页面。瞬时失败（超时/连接错误/5xx）在预算内重试，
// 语义失败（404 与其他 4xx）立即返回；预算用尽返回 KindExhausted。
func (c *Client) Get(ctx context.Context, rawURL string, cookies []*http.Cookie) (*Page, error) {
	var lastErr error
	for i := 0; i < c.retry; i++ {
		if err := c.pace(ctx); err != nil {
			return nil, err
		}
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if reqErr != nil {
			return nil, fmt.Errorf("new request: %w", reqErr)
		}
		c.decorate(req, cookies)
		resp, err := c.follow.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = classifyNetErr(rawURL, err)
			continue
		}
		page, perr := readPage(resp, rawURL)
		if perr != nil {
			lastErr = perr
			continue
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return page, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, &Error{Kind: KindNotFound, URL: rawURL, Status: resp.StatusCode}
		case resp.StatusCode >= 500:
			lastErr = &Error{Kind: KindHTTP, URL: rawURL, Status: resp.StatusCode}
		default:
			return nil, &Error{Kind: KindHTTP, URL: rawURL, Status: resp.StatusCode}
		}
	}
	return nil, &Error{Kind: KindExhausted, URL: rawURL, Attempts: c.retry, Err: lastErr}
}

// PostForm 提交表单（登录用），不跟随跳转，单次尝试：
// 302 响应原样返回，FinalURL 解析为 Location，Cookies 带回新会话。
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, cookies []*http.Cookie) (*Page, error) {
	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.decorate(req, cookies)
	resp, err := c.bare.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyNetErr(rawURL, err)
	}
	page, perr := readPage(resp, rawURL)
	if perr != nil {
		return nil, perr
	}
	if loc := resp.Header.Get("Location"); loc != "" && resp.Request != nil {
		if u, err := resp.Request.URL.Parse(loc); err == nil {
			page.FinalURL = u.String()
		}
	}
	return page, nil
}

// pace 在每次请求前随机延迟，模拟人工浏览节奏；上下文取消立即返回。
func (c *Client) pace(ctx context.Context) error {
	d := c.minDelay
	if c.maxDelay > c.minDelay {
		d += time.Duration(rand.Int63n(int64(c.maxDelay - c.minDelay)))
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (c *Client) decorate(req *http.Request, cookies []*http.Cookie) {
	// 使用常见浏览器 UA，减少 403/反爬误判；支持环境变量覆盖（DDS_UA）
	ua := os.Getenv("DDS_UA")
	if ua == "" {
		ua = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36"
	}
	req.Header.Set("User-Agent", ua)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
}

// readPage 读取并关闭响应体，组装 Page（正文限长）。
func readPage(resp *http.Response, rawURL string) (*Page, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", rawURL, err)
	}
	final := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return &Page{
		StatusCode: resp.StatusCode,
		FinalURL:   final,
		Body:       string(b),
		Cookies:    resp.Cookies(),
	}, nil
}

// classifyNetErr 将传输层错误归类：超时单列，其余原样包裹（均视为瞬时）。
func classifyNetErr(rawURL string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	return fmt.Errorf("fetch %s: %w", rawURL, err)
}

// 备注：若站点仍返回 403，可按需设置环境变量 DDS_UA 覆盖 UA。
