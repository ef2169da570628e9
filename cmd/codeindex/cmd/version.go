package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codeindex/pkg/version"
)

func newVersionCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := g.writer(cmd)
			if out.JSON() {
				return out.Encode(version.GetInfo())
			}
			out.Status("", version.String())
			return nil
		},
	}
}
