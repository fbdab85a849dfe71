package main

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/ridekit/testexec/internal/command"
	"github.com/ridekit/testexec/internal/config"
)

const composePlaceholderPort = 49152

func newComposeCommand(cfg *config.Config) *cobra.Command {
	var (
		selection selectionFlags
		port      int
		argFile   string
	)

	cmd := &cobra.Command{
		Use:   "compose [flags] [-- runner-args...]",
		Short: "Print the runner command line a run would use, without starting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCfg, err := selection.runConfig(cmd, args)
			if err != nil {
				return err
			}
			composer := &command.Composer{
				Runner:    append([]string(nil), cfg.Runner...),
				AgentPath: cfg.AgentPath,
				LookPath:  exec.LookPath,
			}
			composed, err := composer.Compose(command.Request{
				Config:       runCfg,
				ListenerPort: port,
				ArgFilePath:  argFile,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, composed.String())
			if composed.ArgFilePath != "" {
				fmt.Fprintf(out, "\n# %s\n%s", composed.ArgFilePath, composed.ArgFile)
			}
			return nil
		},
	}

	selection.register(cmd)
	cmd.Flags().IntVar(&port, "listener-port", composePlaceholderPort, "listener port to show in the command line")
	cmd.Flags().StringVar(&argFile, "argfile", "", "show options as an argument file at this path")
	return cmd
}
