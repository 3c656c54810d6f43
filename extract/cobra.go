package extract

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var extractIn string
var extractOut string
var zeroCount int

func init() {
	// set up the flags for the extract command
	ExtractCmd.Flags().StringVar(&extractIn, "input", "", "identifies the file to be extracted")
	ExtractCmd.Flags().StringVar(&extractOut, "output", "", "the base folder for the separated essence to be saved into")
	ExtractCmd.Flags().IntVar(&zeroCount, "leadingZeroCount", 4, "the minimum integer length of the saved files")
}

// ExtractCmd dumps every track's frames into per track folders.
var ExtractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract the essence of an mxf file into per track folders",
	Long: `The extract command drives the essence reader over a complete mxf file,
materialising every edit unit and saving each track's frames as individual
files. Frame wrapped and clip wrapped essence are both handled; the folder
layout is one folder per file track number with zero padded frame numbering.
	`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if extractIn == "" {
			return fmt.Errorf("no input file chosen please use the --input flag")
		}
		if extractOut == "" {
			return fmt.Errorf("no output destination chosen please use the --output flag")
		}

		src, err := os.Open(extractIn)
		if err != nil {
			return fmt.Errorf("error opening %s: %w", extractIn, err)
		}
		defer src.Close()

		return EssenceExtractToFile(src, extractOut, zeroCount)
	},
}
