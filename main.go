package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bpaquet/offline-proxy/internal/cache"
	"github.com/bpaquet/offline-proxy/internal/config"
	"github.com/bpaquet/offline-proxy/internal/gitmirror"
	"github.com/bpaquet/offline-proxy/internal/logging"
	"github.com/bpaquet/offline-proxy/internal/proxy"
	"github.com/bpaquet/offline-proxy/internal/server"
	"github.com/bpaquet/offline-proxy/internal/server/routes"
	"github.com/bpaquet/offline-proxy/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["storage_path"] = cfg.StoragePath
		fields["git_storage_path"] = cfg.GitStoragePath
		fields["upstream_proxy"] = cfg.HasUpstreamProxy()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	app, err := buildApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.ListenPort
	fields["storage_path"] = cfg.StoragePath
	fields["git_storage_path"] = cfg.GitStoragePath
	fields["upstream_proxy"] = cfg.HasUpstreamProxy()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.ListenPort,
	}).Info("Fiber 服务启动")

	if err := app.Listen(fmt.Sprintf(":%d", cfg.ListenPort), fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildApp 按 “磁盘缓存 → 回源 client → git 镜像 → Fiber app → 管理接口” 的顺序装配服务，
// 所有请求共享同一个缓存与在途登记表。
func buildApp(cfg *config.Config, logger *logrus.Logger) (*fiber.App, error) {
	store, err := cache.NewStore(cfg.StoragePath, cache.Options{CommitDelay: cfg.CommitDelay.DurationValue()})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	httpClient, err := server.NewUpstreamClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化回源 client 失败: %w", err)
	}

	mirrors, err := gitmirror.NewManager(cfg.GitStoragePath, gitmirror.ExecRunner{Binary: cfg.GitBinary, Proxy: cfg.UpstreamProxy}, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化 git 镜像目录失败: %w", err)
	}

	cacheHandler := proxy.NewHandler(store, proxy.NewFetcher(httpClient), logger)
	forwarder := proxy.NewForwarder(
		cacheHandler,
		proxy.NewTunnel(nil, logger),
		proxy.NewGitHandler(mirrors, logger),
		logger,
	)

	app, err := server.NewApp(server.AppOptions{
		Logger:    logger,
		Proxy:     forwarder,
		BodyLimit: cfg.BodyLimit,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterAdminRoutes(app, routes.AdminOptions{
		Logger:     logger,
		ReloadPath: cfg.GitReloadPath,
		Reloader:   mirrors,
		InFlight:   forwarder,
	})
	return app, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-proxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_PROXY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_PROXY_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}
