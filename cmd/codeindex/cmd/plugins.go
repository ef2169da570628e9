package cmd

import (
	"context"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codeindex/internal/plugin"
)

type pluginsReport struct {
	Plugins  []plugin.Info     `json:"plugins"`
	Failed   map[string]string `json:"failed,omitempty"`
	Disabled []string          `json:"disabled,omitempty"`
}

func newPluginsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List plugins and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlugins(cmd.Context(), cmd, g)
		},
	}
}

func runPlugins(ctx context.Context, cmd *cobra.Command, g *globalOptions) error {
	a, err := openApp(ctx, g.dir, false)
	if err != nil {
		return err
	}
	defer a.Close()

	rep := pluginsReport{
		Plugins:  a.manager.ListPlugins(),
		Failed:   a.report.Failed,
		Disabled: a.report.Disabled,
	}

	out := g.writer(cmd)
	if out.JSON() {
		return out.Encode(rep)
	}

	rows := make([][]string, 0, len(rep.Plugins))
	for _, p := range rep.Plugins {
		rows = append(rows, []string{
			p.Name, p.Version, p.Language, strings.Join(p.Extensions, ","),
			strconv.Itoa(p.Priority), p.State, p.Source, p.LastError,
		})
	}
	if err := out.Table([]string{"NAME", "VERSION", "LANGUAGE", "EXTENSIONS", "PRIORITY", "STATE", "SOURCE", "ERROR"}, rows); err != nil {
		return err
	}
	if len(rep.Disabled) > 0 {
		out.Newline()
		out.Statusf("", "disabled by config: %s", strings.Join(rep.Disabled, ", "))
	}
	return nil
}
