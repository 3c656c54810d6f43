package inspect

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var inspectIn string
var inspectOut string
var jsonFile bool
var validate bool

func init() {
	// set up the flags for the inspect command
	InspectCmd.Flags().StringVar(&inspectIn, "input", "", "identifies the file to be inspected")
	InspectCmd.Flags().StringVar(&inspectOut, "output", "", "the file the layout report is saved to")
	InspectCmd.Flags().BoolVar(&jsonFile, "json", false, "a flag for the output format to be json, instead of the default yaml.")
	InspectCmd.Flags().BoolVar(&validate, "validate", false, "validate a json report against the layout schema before saving it")
}

func inoutCheck(in, out string) error {
	if in == "" {
		return fmt.Errorf("no input file chosen please use the --input flag")
	}

	if out == "" {
		return fmt.Errorf("no output destination chosen please use the --output flag")
	}

	return nil
}

// InspectCmd breaks the selected MXF file down into a yaml report of
// its partitions, content packages and index tables.
var InspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect an mxf file structure into yaml form",
	Long: `The inspect command breaks down the selected mxf file into a yaml file,
detailing the labels of its contents and the overall file structure.

The yaml contains an array of partitions and their essence information in the
order they were found in the mxf file, with any index tables decoded against
the register.
	`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := inoutCheck(inspectIn, inspectOut); err != nil {
			return err
		}

		if !jsonFile && validate {
			return fmt.Errorf("the --validate flag requires a --json report")
		}

		ext := strings.ToLower(filepath.Ext(inspectOut))
		if jsonFile && ext != ".json" {
			return fmt.Errorf("the output file %s does not have a json extension", inspectOut)
		}

		streamer, err := os.Open(inspectIn)
		if err != nil {
			return fmt.Errorf("error opening %s: %w", inspectIn, err)
		}
		defer streamer.Close()

		out, err := os.Create(inspectOut)
		if err != nil {
			return fmt.Errorf("error generating the output file: %w", err)
		}
		defer out.Close()

		if !validate {
			return StructureExtractor(streamer, out, jsonFile)
		}

		var report strings.Builder
		if err := StructureExtractor(streamer, &report, jsonFile); err != nil {
			return err
		}
		if err := ReportValidator([]byte(report.String()), true); err != nil {
			return err
		}
		_, err = out.WriteString(report.String())
		return err
	},
}
