// Command cerno plans and runs research and writing requests against local
// or hosted models, streaming progress over HTTP, MCP or the terminal.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"goa.design/clue/log"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the state shared by subcommands once flags are parsed.
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}
	root := &cobra.Command{
		Use:           "cerno",
		Short:         "Plan and execute multi-step research requests",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.v, c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default ./cerno.yaml or $HOME/.cerno/cerno.yaml)")
	flags.Bool("debug", false, "enable debug logs")
	flags.String("workspace", "", "directory holding plans and artifacts")
	_ = c.v.BindPFlag("log.debug", flags.Lookup("debug"))
	_ = c.v.BindPFlag("workspace", flags.Lookup("workspace"))

	root.AddCommand(
		newServeCmd(c),
		newMCPCmd(c),
		newRunCmd(c),
		newModelsCmd(c),
	)
	return root
}

// logContext returns a context carrying the configured logger. Logs always
// go to stderr so stdout stays free for MCP and run output.
func (c *cli) logContext(ctx context.Context) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() && !c.cfg.Log.JSON {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format), log.WithOutput(os.Stderr))
	if c.cfg.Log.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
