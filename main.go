package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/dlcache/dlcache/internal/config"
	"github.com/dlcache/dlcache/internal/logging"
	"github.com/dlcache/dlcache/internal/progress"
	"github.com/dlcache/dlcache/internal/storage"
	"github.com/dlcache/dlcache/internal/sweeper"
	"github.com/dlcache/dlcache/internal/transport"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	outputPath  string
	headers     map[string]string
	noCache     bool
	sweepOnly   bool
	checkOnly   bool
	showVersion bool
	url         string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	_ = godotenv.Load()

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

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_enabled"] = cfg.Global.CacheEnabled()
		fields["proxy"] = cfg.Proxy.AuthMode()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 缓存门面 → 清扫器 → 请求器”顺序，
	// 缓存目录缺失时门面自动退化为纯回源模式。
	store, err := storage.New(storage.Options{
		CacheDir:          cfg.Global.CacheDir,
		HeuristicLifetime: cfg.Global.HeuristicLifetime.DurationValue(),
		Logger:            logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	if opts.sweepOnly {
		return runSweep(cfg, store, logger)
	}

	requester, err := transport.NewRequester(transport.Options{
		Client:         transport.NewClient(cfg),
		Store:          store,
		Logger:         logger,
		Reporter:       progress.NewLogReporter(logger),
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化下载器失败: %v\n", err)
		return 1
	}

	outputPath := opts.outputPath
	if outputPath == "" {
		outputPath = deriveOutputPath(opts.url)
	}

	result, err := requester.Download(context.Background(), opts.url, transport.DownloadOptions{
		OutputPath: outputPath,
		Headers:    opts.headers,
		SkipCache:  opts.noCache,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "下载失败: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdOut, "%s -> %s (%d bytes, cache=%v)\n", opts.url, outputPath, result.Bytes, result.FromCache)

	// 下载完成后顺手清扫一轮孤儿正文；失败不影响本次下载结果。
	if store.Enabled() {
		s := sweeper.New(store.Index(), store.Resources(), cfg.Global.SweepGrace.DurationValue(), logger)
		if _, err := s.Sweep(context.Background()); err != nil {
			logger.WithError(err).Warn("sweep_failed")
		}
	}
	return 0
}

func runSweep(cfg *config.Config, store *storage.Facade, logger *logrus.Logger) int {
	if !store.Enabled() {
		fmt.Fprintln(stdErr, "未配置 CacheDir，无可清扫的缓存")
		return 1
	}

	s := sweeper.New(store.Index(), store.Resources(), cfg.Global.SweepGrace.DurationValue(), logger)
	report, err := s.Sweep(context.Background())
	if err != nil {
		fmt.Fprintf(stdErr, "清扫失败: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdOut, "swept %d files, reclaimed %d, skipped %d, failed %d\n",
		report.Scanned, report.Reclaimed, report.Skipped, report.Failed)
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("dlcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		outputFlag string
		headers    headerFlags
		noCache    bool
		sweepOnly  bool
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 DLCACHE_CONFIG 覆盖）")
	fs.StringVar(&outputFlag, "output", "", "目标文件路径（默认取 URL 最后一段）")
	fs.Var(&headers, "header", "附加请求头，格式 Name:Value，可重复")
	fs.BoolVar(&noCache, "no-cache", false, "本次请求绕过缓存")
	fs.BoolVar(&sweepOnly, "sweep", false, "仅执行一轮缓存清扫后退出")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	cfgPath := os.Getenv("DLCACHE_CONFIG")
	if configFlag != "" {
		cfgPath = configFlag
	}
	if cfgPath == "" {
		if _, err := os.Stat("config.toml"); err == nil {
			cfgPath = "config.toml"
		}
	}

	opts := cliOptions{
		configPath:  cfgPath,
		outputPath:  outputFlag,
		headers:     headers.values,
		noCache:     noCache,
		sweepOnly:   sweepOnly,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}

	if !opts.checkOnly && !opts.showVersion && !opts.sweepOnly {
		if fs.NArg() != 1 {
			return cliOptions{}, fmt.Errorf("用法: dlcache [flags] <url>")
		}
		opts.url = fs.Arg(0)
	}

	return opts, nil
}

// headerFlags 收集可重复的 -header Name:Value 标志。
type headerFlags struct {
	values map[string]string
}

func (h *headerFlags) String() string {
	pairs := make([]string, 0, len(h.values))
	for name, value := range h.values {
		pairs = append(pairs, name+":"+value)
	}
	return strings.Join(pairs, ", ")
}

func (h *headerFlags) Set(raw string) error {
	name, value, found := strings.Cut(raw, ":")
	name = strings.TrimSpace(name)
	if !found || name == "" {
		return fmt.Errorf("无效的 header 格式: %s", raw)
	}
	if h.values == nil {
		h.values = make(map[string]string)
	}
	h.values[name] = strings.TrimSpace(value)
	return nil
}

// deriveOutputPath 取 URL 路径最后一段作为默认输出文件名。
func deriveOutputPath(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Path == "" || parsed.Path == "/" {
		return "download.out"
	}
	base := path.Base(parsed.Path)
	if base == "" || base == "." || base == "/" {
		return "download.out"
	}
	return base
}
