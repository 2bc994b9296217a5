// Command etl loads song files and event logs into the star schema. Run
// create_tables first.
package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sparkify/internal/catalog"
	"sparkify/internal/cli"

	// input locations pick the source, config picks the warehouse.
	_ "sparkify/internal/source/all"
	_ "sparkify/internal/storage/all"
)

func newCommand(deps cli.Deps) *cobra.Command {
	var progress bool
	cmd, _ := cli.NewCommand("etl", "Load song and log data into the warehouse", deps,
		func(ctx context.Context, env cli.Env) error {
			bar := cli.NewProgress(env.Stderr, progress)
			sum, err := env.Runner.Load(ctx, env.Config, bar.File)
			bar.Finish()
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Stdout, "files=%d songs=%d events=%d skipped=%d malformed=%d songplays=%d unmatched=%d read=%s duration=%s\n",
				sum.Files, sum.Songs, sum.Events, sum.Skipped, sum.Malformed,
				sum.Rows[catalog.Songplays], sum.Lookups.Misses,
				humanize.Bytes(uint64(max(sum.Bytes, 0))), sum.Duration)
			return nil
		})
	cmd.Flags().BoolVar(&progress, "progress", false, "show a spinner with the processed file count")
	return cmd
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, deps cli.Deps) int {
	return cli.Run(ctx, newCommand(deps), args, stdout, stderr)
}

func main() {
	cli.Main(newCommand)
}
