// Package cmd は storybook コマンドのサブコマンド群です。
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shouni/go-storybook-kit/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootOptions はサブコマンド間で共有する設定です。
type rootOptions struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

// Execute はルートコマンドを実行し、失敗時は終了コード 1 で終了します。
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "storybook",
		Short:         "写真の子どもを主人公にした絵本ページを生成します",
		Long:          "storybook は物語テンプレートと子どもの写真から、画風と見た目が揃った絵本の挿絵を生成・再生成・選択するためのツールです。",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd.ErrOrStderr())
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "設定ファイルのパス（未指定なら ./storybook.yaml を探します）")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "ログレベル（debug / info / warn / error）")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newGenerateCmd(opts),
		newSweepCmd(opts),
		newStoryCmd(opts),
	)
	return rootCmd
}

// load は .env と設定を読み込み、既定のロガーを差し替えます。
func (o *rootOptions) load(logOut io.Writer) error {
	if err := godotenv.Load(); err != nil {
		slog.Debug(".env ファイルが見つかりません。環境変数のみを使用します")
	}

	cfg, err := config.Load(viper.New(), o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	logger, err := newLogger(logOut, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	o.cfg = cfg
	return nil
}

// newLogger は format（json / text）と level からロガーを作ります。
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
