package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atmx/backtest-engine/internal/strategy"
)

var strategiesJSON bool

// strategiesCmd implements 'backtest strategies'
var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List available strategies and their default parameters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		infos := strategy.Registered()
		if strategiesJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, info := range infos {
			fmt.Fprintf(tw, "%s\t%s\n", info.Name, info.Description)
			keys := make([]string, 0, len(info.Defaults))
			for k := range info.Defaults {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(tw, "  %s\t%v\n", k, info.Defaults[k])
			}
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(strategiesCmd)
	strategiesCmd.Flags().BoolVar(&strategiesJSON, "json", false, "Print as JSON")
}
