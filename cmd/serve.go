package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/shouni/go-storybook-kit/pkg/server"
	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "HTTP API サーバーを起動します",
		Long:  "セッションの作成から写真のアップロード、ページの生成・再生成・選択までを HTTP で提供します。期限切れセッションは定期的に掃除されます。",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				root.cfg.Addr = addr
			}
			return runServe(cmd.Context(), root)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "待ち受けアドレス（設定ファイルの addr を上書き）")
	return cmd
}

func runServe(parent context.Context, root *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := root.cfg
	a, err := wireApp(ctx, cfg, wireOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	sweeper, err := startSweeper(ctx, cfg.SweepSchedule, a.pipeline.SweepExpired)
	if err != nil {
		return err
	}
	defer sweeper.Stop()

	return server.Start(ctx, server.StartOpts{
		Service:        a.pipeline,
		Addr:           cfg.Addr,
		RequestTimeout: cfg.RequestTimeout,
	})
}

// startSweeper は schedule（cron 式または @every）ごとに sweep を実行するスケジューラを起動します。
func startSweeper(ctx context.Context, schedule string, sweep func(context.Context) (int, error)) (*cron.Cron, error) {
	c := cron.New()
	if schedule != "" {
		if _, err := c.AddFunc(schedule, func() {
			if _, err := sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "期限切れセッションの掃除に失敗しました", "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
		}
	}
	c.Start()
	return c, nil
}
