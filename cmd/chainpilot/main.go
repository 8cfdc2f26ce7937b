package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ChainPilot/internal/account"
	"ChainPilot/internal/config"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/proxy"
	"ChainPilot/internal/report"
	"ChainPilot/internal/scheduler"
	"ChainPilot/internal/unit"
	"ChainPilot/internal/web3/provider"
	"ChainPilot/pkg/logger"
)

const (
	exitOK          = 0
	exitConfig      = 1
	exitUnitFailure = 2
)

// main 是 chainpilot 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

type options struct {
	configPath string
	envFile    string
	task       int
}

// exitError 携带进程退出码。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func execute(ctx context.Context, args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "chainpilot 运行失败: %v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitConfig
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "chainpilot",
		Short:         "多账户链上任务编排器",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CHAINPILOT_CONFIG"), "YAML 配置文件路径")
	cmd.Flags().StringVar(&opts.envFile, "env-file", "", ".env 文件路径，默认读取工作目录下的 .env")
	cmd.Flags().IntVarP(&opts.task, "task", "t", 0, "任务编号 1-9，0 表示使用配置中的 TASK")
	return cmd
}

func run(ctx context.Context, opts options) error {
	settings, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		return err
	}
	if opts.task != 0 {
		settings.Tasks.Selected = opts.task
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	if err := logger.Init(settings.Logging); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化日志失败")
	}
	defer logger.Sync()
	log := logger.Named("chainpilot")

	registry, err := account.Load(account.Files{
		PrivateKeys: settings.Data.PrivateKeys,
		Wallets:     settings.Data.Wallets,
		Proxies:     settings.Data.Proxies,
	}, settings.UseProxy, settings.Tasks.Selected)
	if err != nil {
		return err
	}

	chains, err := provider.NewRegistry(settings.Network, settings.RateLimit)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化链配置失败")
	}

	var checkerOpts []proxy.Option
	if addr := settings.Proxy.Redis.Address; addr != "" && settings.UseProxy {
		cache, err := proxy.NewRedisCache(ctx, addr, settings.Proxy.Redis.Password, settings.Proxy.Redis.DB, settings.Proxy.Redis.Key)
		if err != nil {
			log.Warn("代理 IP 缓存不可用，将直接探测", slog.Any("error", err))
		} else {
			defer cache.Close()
			checkerOpts = append(checkerOpts, proxy.WithCache(cache, settings.Proxy.CacheTTL))
		}
	}
	checker := proxy.NewChecker(settings.Proxy.IPCheckURL, settings.Proxy.Timeout, checkerOpts...)

	sink, err := report.Open(ctx, settings.Results)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn("关闭结果存储失败", slog.Any("error", err))
		}
	}()

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Audit()}}
	if settings.Alerts.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(settings.Alerts.WebhookURL, settings.Alerts.Timeout))
	}

	if addr := settings.Metrics.Address; addr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.StartServer(metricsCtx, addr); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("指标服务退出", slog.Any("error", err))
			}
		}()
		log.Info("指标服务已启动", slog.String("address", addr))
	}

	runner := unit.NewRunner(settings, chains, registry.Recipients(), unit.WithIPLookup(checker))
	sched := scheduler.New(runner, scheduler.LimitsFromSettings(settings),
		scheduler.WithSink(sink, settings.Results.Driver),
		scheduler.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	)

	log.Info("配置加载完成",
		slog.String("run_id", sched.RunID()),
		slog.String("network", settings.Network.Name),
		slog.Int("accounts", registry.Len()),
		slog.Int("task", settings.Tasks.Selected),
		slog.Bool("use_proxy", settings.UseProxy),
		slog.String("results", settings.Results.Driver),
	)

	summary, err := sched.Run(ctx, registry.Accounts(), registry.ProxyFor)
	if err != nil {
		return &exitError{code: exitUnitFailure, err: err}
	}
	if !summary.OK() {
		return &exitError{code: exitUnitFailure, err: fmt.Errorf("%d/%d 个账户执行失败", summary.Failed, summary.Total)}
	}
	return nil
}
