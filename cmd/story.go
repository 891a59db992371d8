package cmd

import (
	"fmt"

	"github.com/shouni/go-storybook-kit/pkg/store/storyfs"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newStoryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "story",
		Short: "物語テンプレートを扱います",
	}
	cmd.AddCommand(newStoryValidateCmd(), newStoryListCmd(root))
	return cmd
}

func newStoryValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "テンプレートファイルの書式と内容を検証します",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateStories(cmd, afero.NewOsFs(), args)
		},
	}
}

func validateStories(cmd *cobra.Command, fs afero.Fs, files []string) error {
	failed := 0
	for _, file := range files {
		data, err := afero.ReadFile(fs, file)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "error %s: %v\n", file, err)
			continue
		}
		tpl, err := storyfs.Parse(data)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "error %s: %v\n", file, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok    %s: %s (%d pages)\n", file, tpl.ID, len(tpl.Pages))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d template(s) are invalid", failed, len(files))
	}
	return nil
}

func newStoryListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "story_dir にあるテンプレートの ID を一覧表示します",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := storyfs.New(afero.NewOsFs(), root.cfg.StoryDir).List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
