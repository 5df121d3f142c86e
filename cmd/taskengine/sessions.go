package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/taskengine/sessionstore"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored session states",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.StorePath == "" {
			return errors.New("no session store: set store_path or --store")
		}
		store, err := sessionstore.Open(cmd.Context(), cfg.StorePath)
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if sessionsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if list == nil {
				list = []sessionstore.Session{}
			}
			return enc.Encode(list)
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "No stored sessions.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CONTEXT\tTASK\tSTATE\tTHREAD\tCLI SESSION\tUPDATED")
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				s.ContextID, s.TaskID, s.State, dash(s.ThreadID), dash(s.CLISession),
				s.UpdatedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output as JSON")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
