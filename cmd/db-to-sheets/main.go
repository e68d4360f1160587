package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/uhppoted/db-to-sheets/commands"
	"github.com/uhppoted/db-to-sheets/config"
	"github.com/uhppoted/db-to-sheets/logging"
)

var options = struct {
	env   string
	debug bool
}{}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "\n   ERROR: %v\n\n", err)
		cancel()
		os.Exit(1)
	}
}

func root() *cobra.Command {
	v := viper.New()

	cli := &cobra.Command{
		Use:           commands.APP,
		Short:         "Uploads the result of a database query to a Google Sheets table",
		Long:          "Extracts rows from a PostgreSQL query, appends them in batches to a named table in a Google Sheets worksheet and verifies the uploaded rows.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(options.env)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), v, commands.RunCmd.Execute)
		},
	}

	cli.PersistentFlags().BoolVar(&options.debug, "debug", false, "Enables debug logging")
	cli.PersistentFlags().StringVar(&options.env, "env-file", "", "Loads settings from a .env file (default .env in the current directory if it exists)")

	v.BindPFlag("DEBUG", cli.PersistentFlags().Lookup("debug"))

	run := &cobra.Command{
		Use:   commands.RunCmd.Name(),
		Short: commands.RunCmd.Description(),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), v, commands.RunCmd.Execute)
		},
	}

	authorise := &cobra.Command{
		Use:   commands.AuthoriseCmd.Name(),
		Short: commands.AuthoriseCmd.Description(),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), v, commands.AuthoriseCmd.Execute)
		},
	}

	version := &cobra.Command{
		Use:   commands.VersionCmd.Name(),
		Short: commands.VersionCmd.Description(),
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.VersionCmd.Execute()
		},
	}

	cli.AddCommand(run, authorise, version)

	return cli
}

func loadEnv(file string) error {
	if file != "" {
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("error loading %v (%w)", file, err)
		}

		return nil
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error loading .env (%w)", err)
	}

	return nil
}

func execute(ctx context.Context, v *viper.Viper, f func(context.Context, *config.Config, *zap.Logger) error) error {
	config.Defaults(v, commands.DEFAULT_WORKDIR)

	c := config.Load(v)

	log, err := logging.New(c.Log.Level, c.Log.Format, c.Log.Debug)
	if err != nil {
		return err
	}

	defer log.Sync()

	return f(ctx, c, log)
}
