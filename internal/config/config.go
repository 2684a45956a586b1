// 包 config 负责加载与校验应用配置（settings.yaml），
// 对外提供结构体 Config 及默认值/合法性校验。
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// 仅保留当前需要的字段，避免过度设计（KISS/YAGNI）。
type Config struct {
	BaseURL           string   `yaml:"BASE_URL"`
	LoginPath         string   `yaml:"LOGIN_PATH"`
	OnlinePath        string   `yaml:"ONLINE_PATH"`
	MaxItems          int      `yaml:"MAX_ITEMS"`          // 单次运行的条目上限，0 表示不限
	BatchSize         int      `yaml:"BATCH_SIZE"`         // 批大小，批边界提交落库
	MinDelay          float64  `yaml:"MIN_DELAY"`          // 每次请求前的最小延迟（秒）
	MaxDelay          float64  `yaml:"MAX_DELAY"`          // 每次请求前的最大延迟（秒）
	RequestTimeout    int      `yaml:"REQUEST_TIMEOUT"`    // 单次请求超时（秒）
	Retry             int      `yaml:"RETRY"`              // 总尝试次数（含首次）
	StoreWriteDelay   float64  `yaml:"STORE_WRITE_DELAY"`  // 写库限速间隔（秒），0 表示不限速
	PollInterval      int      `yaml:"POLL_INTERVAL"`      // 在线模式建议轮询间隔（秒），由外部调度器消费
	SuspensionMarkers []string `yaml:"SUSPENSION_MARKERS"` // 封禁页特征串（小写子串匹配）
	CookieFile        string   `yaml:"COOKIE_FILE"`
	Database          Database `yaml:"DATABASE"`
	Proxy             Proxy    `yaml:"PROXY"`
	LogLevel          string   `yaml:"LOG_LEVEL"`
	LogFormat         string   `yaml:"LOG_FORMAT"` // text|json|pretty
	LogLocale         string   `yaml:"LOG_LOCALE"` // zh-CN|en
	LogColor          string   `yaml:"LOG_COLOR"`  // auto|always|never
	LogClock          string   `yaml:"LOG_CLOCK"`  // pkt|local
}

type Database struct {
	Type string `yaml:"type"` // sqlite (default)|postgres|csv|memory
	DSN  string `yaml:"dsn"`  // sqlite/csv 为路径，postgres 为连接串
}

type Proxy struct {
	HTTP  string `yaml:"http"`
	HTTPS string `yaml:"https"`
}

func Load(path string) (*Config, error) {
	// Load 从文件读取 YAML 并反序列化为 Config，同时进行基础校验与默认值填充。
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

func (c *Config) Validate() error {
	// Validate 负责合法性检查与默认值设置，避免在业务层分散判空逻辑。
	if c.BaseURL == "" {
		c.BaseURL = "https://damadam.pk"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.LoginPath == "" {
		c.LoginPath = "/login/"
	}
	if c.OnlinePath == "" {
		c.OnlinePath = "/online/"
	}
	if c.MaxItems < 0 {
		return errors.New("MAX_ITEMS must be >= 0")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MinDelay < 0 || c.MaxDelay < 0 {
		return errors.New("MIN_DELAY/MAX_DELAY must be >= 0")
	}
	// 未配置时按站点体量给保守默认；显式配置 0 视为未配置
	if c.MinDelay == 0 && c.MaxDelay == 0 {
		c.MinDelay, c.MaxDelay = 2, 5
	}
	if c.MaxDelay < c.MinDelay {
		return fmt.Errorf("MAX_DELAY %.1f must be >= MIN_DELAY %.1f", c.MaxDelay, c.MinDelay)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30
	}
	if c.Retry <= 0 {
		c.Retry = 3
	}
	if c.StoreWriteDelay < 0 {
		return errors.New("STORE_WRITE_DELAY must be >= 0")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60
	}
	if len(c.SuspensionMarkers) == 0 {
		c.SuspensionMarkers = []string{"account suspended", "profile suspended"}
	}
	if c.CookieFile == "" {
		c.CookieFile = "./cookies.json"
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.DSN == "" {
			c.Database.DSN = "./data.db"
		}
	case "csv":
		if c.Database.DSN == "" {
			c.Database.DSN = "./data"
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("DATABASE.dsn is required for postgres")
		}
	case "memory":
		// 内存后端无需 DSN（演练/测试用）
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.LogFormat == "" {
		c.LogFormat = "pretty"
	}
	if c.LogLocale == "" {
		c.LogLocale = "zh-CN"
	}
	if c.LogColor == "" {
		c.LogColor = "auto"
	}
	if c.LogClock == "" {
		c.LogClock = "pkt"
	}
	return nil
}
