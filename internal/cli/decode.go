package cli

import (
	"fmt"
	"log/slog"

	"github.com/openfluke/viterbi/decoder"
	"github.com/openfluke/viterbi/viterbiio"
	"github.com/spf13/cobra"
)

func (c *CLI) newDecodeCommand() *cobra.Command {
	var (
		inputFiles     []string
		outputFiles    []string
		transitionFile string
		initialFile    string
		logProbs       bool
		gpu            bool
		gpuIndex       int
		padBatch       bool
	)

	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode one or more safetensors observation files into their most probable state paths",
		Example: `  viterbi-decode decode --input-files obs.safetensors --output-files path.safetensors
  viterbi-decode decode --input-files a.safetensors,b.safetensors --output-files a.path.safetensors,b.path.safetensors --gpu`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(inputFiles) == 0 {
				return fmt.Errorf("at least one --input-files entry is required")
			}
			if len(inputFiles) != len(outputFiles) {
				return fmt.Errorf("--input-files has %d entries but --output-files has %d", len(inputFiles), len(outputFiles))
			}

			device := decoder.DeviceCPU()
			if gpu {
				device = decoder.DeviceGPU(gpuIndex)
			}

			var transition, initial *decoder.Array32
			if transitionFile != "" {
				t, err := loadNamedTensor(transitionFile, "transition")
				if err != nil {
					return err
				}
				transition = &t
			}
			if initialFile != "" {
				i, err := loadNamedTensor(initialFile, "initial")
				if err != nil {
					return err
				}
				initial = &i
			}

			slog.Debug("starting decode", "files", len(inputFiles), "device", device, "pad_batch", padBatch)
			decode := viterbiio.DecodeFiles
			if padBatch {
				decode = viterbiio.DecodeBatch
			}
			err := decode(cmd.Context(), inputFiles, outputFiles, transition, initial, logProbs, device)
			if err != nil {
				return err
			}
			slog.Info("decode complete", "files", len(inputFiles))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputFiles, "input-files", nil, "Comma-separated safetensors observation files")
	cmd.Flags().StringSliceVar(&outputFiles, "output-files", nil, "Comma-separated output safetensors files, one per input")
	cmd.Flags().StringVar(&transitionFile, "transition-file", "", "Safetensors file holding a \"transition\" tensor, overriding any per-file transition")
	cmd.Flags().StringVar(&initialFile, "initial-file", "", "Safetensors file holding an \"initial\" tensor, overriding any per-file initial")
	cmd.Flags().BoolVar(&logProbs, "log-probs", false, "Treat observation/transition/initial values as already in the log domain")
	cmd.Flags().BoolVar(&gpu, "gpu", false, "Run on the GPU kernel instead of the CPU worker pool")
	cmd.Flags().IntVar(&gpuIndex, "gpu-index", 0, "GPU adapter index, used with --gpu")
	cmd.Flags().BoolVar(&padBatch, "pad-batch", false, "Decode the whole batch in one call, zero-padding per-file frame counts, instead of one call per file")

	return cmd
}

// loadNamedTensor reads a single tensor named name from a safetensors file
// that holds exactly one tensor under that key — the shape used by
// --transition-file/--initial-file, as opposed to the multi-tensor layout
// LoadRequest reads for a full observation file.
func loadNamedTensor(path, name string) (decoder.Array32, error) {
	tensors, err := viterbiio.Load(path)
	if err != nil {
		return decoder.Array32{}, err
	}
	t, ok := tensors[name]
	if !ok {
		return decoder.Array32{}, fmt.Errorf("%s: missing %q tensor", path, name)
	}
	data, err := t.Float32()
	if err != nil {
		return decoder.Array32{}, fmt.Errorf("%s: %w", path, err)
	}
	return decoder.Array32{Data: data, Shape: t.Shape}, nil
}
