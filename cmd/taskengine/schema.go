package main

import (
	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/taskengine/event"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of event payloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := event.SchemaJSON()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(append(b, '\n'))
		return err
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
