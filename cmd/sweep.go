package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "期限切れのセッションと画像を削除します",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(cmd.Context(), root.cfg, wireOptions{offline: true})
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.pipeline.SweepExpired(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired session(s)\n", n)
			return err
		},
	}
}
