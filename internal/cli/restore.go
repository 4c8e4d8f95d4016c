package cli

import (
	"fmt"

	"codeberg.org/mutker/gpufand/internal/controller"
	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/journal"
	"codeberg.org/mutker/gpufand/internal/logger"
	"github.com/spf13/cobra"
)

func (a *app) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Return GPUs left in manual fan mode to automatic control",
		Long: "Return every GPU recorded in the journal to automatic fan control.\n" +
			"Use after gpufand exited without restoring the fans itself.",
		Args: cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			errFactory := errors.New()
			log := logger.Default()

			if !a.cfg.Journal.Enabled {
				return errFactory.WithMessage(errors.ErrInvalidConfig, "journal is disabled, nothing to restore from")
			}

			store, err := journal.Open(journalConfig(a.cfg.Journal), log)
			if err != nil {
				return err
			}
			defer store.Close()

			exec, err := openExecutor(a.cfg)
			if err != nil {
				return errFactory.Wrap(errors.ErrInitApp, err)
			}
			defer exec.Close()

			restored, err := controller.RestoreHeld(cmd.Context(), exec, store, a.cfg.TimeoutDuration(), log)
			for _, g := range restored {
				fmt.Fprintf(cmd.OutOrStdout(), "gpu %d (%s): automatic fan control restored\n", g.Index, g.Name)
			}
			if err != nil {
				return err
			}
			if len(restored) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no GPUs held in manual fan mode")
			}

			return nil
		},
	}
}
