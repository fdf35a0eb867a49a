package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ineyio/creditgate"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply postgres migrations for the selected namespace",
		Long:  "Applies the embedded goose migrations to the schema of the selected namespace. Run once per namespace.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if v.GetString("store") != "postgres" {
				return errors.New("migrate needs --store postgres; sqlite creates its schema on open")
			}
			ns, err := namespaceOf(v)
			if err != nil {
				return err
			}
			n, err := migrateDSN(cmd.Context(), v.GetString("dsn"), ns)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations to namespace %s\n", n, ns)
			return nil
		},
	}
}

// namespaceOf resolves the namespace from --mode, then the config file.
func namespaceOf(v *viper.Viper) (creditgate.Namespace, error) {
	if mode := v.GetString("mode"); mode != "" {
		return creditgate.ParseNamespace(mode)
	}
	if path := v.GetString("config"); path != "" {
		cfg, err := creditgate.LoadConfig(path)
		if err != nil {
			return "", err
		}
		return cfg.Namespace, nil
	}
	return creditgate.NamespaceStaging, nil
}
