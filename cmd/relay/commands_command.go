package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"relay/internal/registry"
)

func newCommandsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "commands",
		Short:       "List the commands served by the daemon registry",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.New(registry.Builtin(version))
			if err != nil {
				return err
			}

			rows := make([][]string, 0, reg.Len())
			for _, name := range reg.Names() {
				command, _ := reg.Lookup(name)
				serial := "no"
				if command.Serial {
					serial = "yes"
				}
				rows = append(rows, []string{name, serial, command.Summary})
			}

			table := renderTable(
				[]string{"Command", "Serial", "Summary"},
				rows,
			)
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}
