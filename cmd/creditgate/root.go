package main

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "creditgate",
		Short:         "Credit ledger and metered generation gateway",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return loadEnvFile(v.GetString("env-file"))
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "path to the YAML config file")
	pf.String("mode", "", "runtime mode: staging|production (overrides the config namespace)")
	pf.String("store", "memory", "ledger backend: memory|sqlite|postgres")
	pf.String("dsn", "", "sqlite file path or postgres connection string")
	pf.String("redis-addr", "", "serve reservations from redis at this address")
	pf.String("log-level", "info", "log level: debug|info|warn|error")
	pf.String("log-format", "json", "log format: json|text")
	pf.String("env-file", ".env", "dotenv file loaded before reading APP_* variables")
	if err := v.BindPFlags(pf); err != nil {
		panic(err)
	}

	root.AddCommand(
		newServeCmd(v),
		newMigrateCmd(v),
		newSweepCmd(v),
		newSeedCmd(v),
	)
	return root
}

// loadEnvFile loads path into the environment without overriding
// variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
