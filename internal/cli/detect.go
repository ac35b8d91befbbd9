package cli

import (
	"encoding/json"
	"fmt"

	"github.com/openfluke/viterbi/detector"
	"github.com/spf13/cobra"
)

func (c *CLI) newDetectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Probe the local WebGPU adapter and print its compute limits and recommended workgroup size",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := detector.Detect()
			if err != nil {
				return fmt.Errorf("gpu adapter unavailable: %w", err)
			}
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	return cmd
}
