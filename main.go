// 命令行入口：
// - 解析 flags 与 settings.yaml/rules.yaml
// - 初始化日志、HTTP 客户端、会话提供者与存储
// - 按模式运行一次同步（target=目标队列，online=在线列表单轮；
//   轮询节奏由外部调度器按 POLL_INTERVAL 控制）
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-damadam-sync/internal/config"
	"go-damadam-sync/internal/engine"
	"go-damadam-sync/internal/export"
	"go-damadam-sync/internal/extract"
	"go-damadam-sync/internal/fetch"
	"go-damadam-sync/internal/logx"
	"go-damadam-sync/internal/rules"
	"go-damadam-sync/internal/session"
	"go-damadam-sync/internal/source"
	"go-damadam-sync/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "settings.yaml", "path to settings.yaml")
		rulesPath  = flag.String("rules", "rules.yaml", "path to rules.yaml (optional)")
		mode       = flag.String("mode", "target", "run mode: target|online")
		maxItems   = flag.Int("max", -1, "override MAX_ITEMS for this run (-1 = use config)")
		batchSize  = flag.Int("batch", 0, "override BATCH_SIZE for this run (0 = use config)")
		trigger    = flag.String("trigger", "manual", "who started this run: manual|scheduled")
		exportPath = flag.String("export", "data.json", "snapshot path for the memory backend")
		loginCheck = flag.Bool("login-check", false, "authenticate and exit")
	)
	flag.Parse()
	switch *trigger {
	case "manual", "scheduled":
	default:
		log.Fatalf("unknown trigger %q (want manual|scheduled)", *trigger)
	}

	// 1) 加载配置与规则
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *maxItems >= 0 {
		cfg.MaxItems = *maxItems
	}
	if *batchSize > 0 {
		cfg.BatchSize = *batchSize
	}
	rl := rules.Builtin()
	if *rulesPath != "" {
		if r, err := rules.Load(*rulesPath); err == nil {
			rl = r
		} else {
			log.Printf("load rules failed, using builtin: %v", err)
		}
	}
	preset, ok := rl.GetPreset("default")
	if !ok {
		log.Fatalf("rules: preset %q missing", "default")
	}

	// 2) 初始化日志：级别/格式/语言/颜色/时钟
	logx.Init(cfg.LogLevel, cfg.LogFormat, cfg.LogLocale, cfg.LogColor, cfg.LogClock)

	// 3) 初始化 HTTP 客户端（代理、重试与请求间随机延迟）
	cl, err := fetch.New(fetch.Options{
		ProxyHTTP:  cfg.Proxy.HTTP,
		ProxyHTTPS: cfg.Proxy.HTTPS,
		Timeout:    time.Duration(cfg.RequestTimeout) * time.Second,
		Retry:      cfg.Retry,
		MinDelay:   time.Duration(cfg.MinDelay * float64(time.Second)),
		MaxDelay:   time.Duration(cfg.MaxDelay * float64(time.Second)),
	})
	if err != nil {
		log.Fatalf("http client: %v", err)
	}

	// 4) 会话提供者：账号走环境变量，Cookie 落盘跨进程复用
	primary, secondary := session.CredentialsFromEnv()
	provider := session.NewProvider(cl, session.Options{
		BaseURL:    cfg.BaseURL,
		LoginPath:  cfg.LoginPath,
		CookieFile: cfg.CookieFile,
		Markers:    cfg.SuspensionMarkers,
		Primary:    primary,
		Secondary:  secondary,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5) 登录自检：验证账号后直接退出
	if *loginCheck {
		sess, err := provider.Ensure(ctx)
		if err != nil {
			logx.Errorf("登录检查失败：%v", err)
			os.Exit(1)
		}
		logx.Infof("登录检查通过：账号 %s", sess.Account)
		return
	}

	// 6) 打开存储后端
	writeDelay := time.Duration(cfg.StoreWriteDelay * float64(time.Second))
	st, err := store.Open(ctx, cfg.Database.Type, cfg.Database.DSN, writeDelay)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	// 7) 解析器与来源
	parser := extract.NewParser(cfg.BaseURL, preset, cfg.SuspensionMarkers)
	var src engine.Source
	switch *mode {
	case "target":
		src = source.NewQueue(st)
	case "online":
		src = source.NewOnline(st, cl, provider, parser, cfg.BaseURL+cfg.OnlinePath)
	default:
		log.Fatalf("unknown mode %q (want target|online)", *mode)
	}

	// 8) 执行同步
	eng := engine.New(st, cl, provider, parser, engine.Options{
		BaseURL:   cfg.BaseURL,
		Trigger:   *trigger,
		MaxItems:  cfg.MaxItems,
		BatchSize: cfg.BatchSize,
	})
	logx.Infof("同步开始：mode=%s 数据库=%s", *mode, cfg.Database.Type)
	_, runErr := eng.Run(ctx, src)

	// 9) 内存后端为干跑模式：运行后导出快照（即使中止也导出已有数据）
	if mem, isMem := st.(*store.Memory); isMem && *exportPath != "" {
		if err := export.ToJSON(mem, *exportPath); err != nil {
			log.Fatalf("export json: %v", err)
		}
		logx.Infof("已导出 %s", *exportPath)
	}
	if runErr != nil {
		os.Exit(1)
	}
}
