package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ineyio/creditgate"
)

func newSweepCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail reservations that stayed pending past the grace period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			grace := a.cfg.Gate.SweepGrace
			if v.IsSet("grace") {
				grace = v.GetDuration("grace")
			}
			gate := creditgate.NewGate(a.gate, a.options()...)
			n, err := gate.Sweep(cmd.Context(), grace)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "failed %d stale reservations\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("grace", creditgate.DefaultSweepGrace, "age after which a pending reservation is failed")
	return cmd
}
