package cli

import (
	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/gpu"
	"codeberg.org/mutker/gpufand/internal/logger"
	"codeberg.org/mutker/gpufand/internal/status"
	"github.com/spf13/cobra"
)

func (a *app) gpusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gpus",
		Short: "List the GPUs gpufand would control",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			exec, err := openExecutor(a.cfg)
			if err != nil {
				return errors.New().Wrap(errors.ErrInitApp, err)
			}
			defer exec.Close()

			gpus, err := gpu.Discover(cmd.Context(), exec, logger.Nop())
			if err != nil {
				return err
			}

			status.WriteGPUList(cmd.OutOrStdout(), gpus)

			return nil
		},
	}
}
