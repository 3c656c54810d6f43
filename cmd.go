package main

import (
	"fmt"

	"github.com/metarex-media/mxf-reader/extract"
	"github.com/metarex-media/mxf-reader/inspect"
	"github.com/metarex-media/mxf-reader/versionstr"
	"github.com/spf13/cobra"
)

var UseLinkerOverrides string

func main() {

	doOverride := len(UseLinkerOverrides) > 1
	versionstr.Set(doOverride)

	rootCmd.SetUsageTemplate("empty" + rootCmd.UsageTemplate())

	cobra.CheckErr(rootCmd.Execute())
}

var rootCmd = &cobra.Command{
	Use:   "mxfreader",
	Short: "mxfreader - a simple CLI to read mxf essence",
	Long: `
Mxf Reader is a command line tool for reading the essence of mxf files.

Mxf Reader can:
- Generate a yaml/json file giving a breakdown of the mxf file structure and its contents. Using the "inspect" key
- Extract the essence of every track and save it into files. Using the "extract" key
	`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(cmd.Long)
	},
}

// add the cobra commands
func init() {
	// disable the unneeded completion options
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// add the root commands
	rootCmd.AddCommand(inspect.InspectCmd)
	rootCmd.AddCommand(extract.ExtractCmd)
	rootCmd.AddCommand(versionstr.VersionCmd)
}
