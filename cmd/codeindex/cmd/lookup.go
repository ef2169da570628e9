package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codeindex/internal/plugin"
)

type lookupResult struct {
	Definition *plugin.Definition `json:"definition"`
	References []plugin.Reference `json:"references,omitempty"`
}

func newLookupCmd(g *globalOptions) *cobra.Command {
	var refs bool

	cmd := &cobra.Command{
		Use:   "lookup <symbol>",
		Short: "Find where a symbol is defined",
		Long: `Ask each active plugin, in priority order, for the definition of a
symbol. The first plugin that knows it answers.`,
		Example: `  codeindex lookup Logger
  codeindex lookup parseConfig --refs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(cmd.Context(), cmd, g, args[0], refs)
		},
	}
	cmd.Flags().BoolVar(&refs, "refs", false, "Also list references")
	return cmd
}

func runLookup(ctx context.Context, cmd *cobra.Command, g *globalOptions, symbol string, withRefs bool) error {
	a, err := openApp(ctx, g.dir, false)
	if err != nil {
		return err
	}
	defer a.Close()

	var res lookupResult
	if res.Definition, err = a.d.Lookup(ctx, symbol); err != nil {
		return err
	}
	if withRefs {
		if res.References, err = a.d.References(ctx, symbol); err != nil {
			return err
		}
	}

	out := g.writer(cmd)
	if out.JSON() {
		return out.Encode(res)
	}
	if res.Definition == nil {
		out.Warningf("%s is not defined in any indexed file", symbol)
	} else {
		s := res.Definition.Symbol
		out.Successf("%s %s  %s:%d-%d  (%s)", s.Kind, s.Name, s.FilePath, s.StartLine, s.EndLine, res.Definition.Plugin)
		if s.Signature != "" {
			out.Code(s.Signature)
		}
	}
	if withRefs && len(res.References) > 0 {
		out.Newline()
		rows := make([][]string, 0, len(res.References))
		for _, r := range res.References {
			rows = append(rows, []string{r.FilePath, strconv.Itoa(r.Line), strconv.Itoa(r.Column)})
		}
		return out.Table([]string{"FILE", "LINE", "COLUMN"}, rows)
	}
	if withRefs {
		out.Status("", fmt.Sprintf("no references to %s", symbol))
	}
	return nil
}
