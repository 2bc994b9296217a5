// Command create_tables drops and recreates the star schema.
package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"sparkify/internal/cli"

	// config picks the warehouse; every backend is built in.
	_ "sparkify/internal/storage/all"
)

func newCommand(deps cli.Deps) *cobra.Command {
	cmd, _ := cli.NewCommand("create_tables", "Drop and recreate the star schema", deps,
		func(ctx context.Context, env cli.Env) error {
			if err := env.Runner.Reset(ctx, env.Config); err != nil {
				return err
			}
			fmt.Fprintln(env.Stdout, "ok")
			return nil
		})
	return cmd
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, deps cli.Deps) int {
	return cli.Run(ctx, newCommand(deps), args, stdout, stderr)
}

func main() {
	cli.Main(newCommand)
}
