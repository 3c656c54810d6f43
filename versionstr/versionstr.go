package versionstr

import (
	"fmt"

	"github.com/spf13/cobra"
)

// used to construct the version string when linking a release
var linkerOverride bool

var devBuild string = "dev"
var devDate string = "during development"

// overridden with -ldflags at release time
var build string = "0000000000000000000000000000000000000000"
var date string = "unknown"

// VersionCmd prints the tool version.
var VersionCmd = &cobra.Command{
	Use:     "version",
	Aliases: []string{"v", "Version"},
	Short:   "Print the version number of mxf reader",
	Long:    `All software has versions. This is mxf reader's`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Mxf Reader version " + long(linkerOverride))
	},
}

func short(useLinkerOverrides bool) string {
	vStr := "0.0.1"

	if useLinkerOverrides && len(build) > 36 {
		return vStr + "." + build[36:]
	}
	return vStr + "." + devBuild
}

func long(useLinkerOverrides bool) string {
	vStr := fmt.Sprintf("%v (%s)", short(useLinkerOverrides), "pre-alpha")

	if useLinkerOverrides {
		return fmt.Sprintf("%s built %s", vStr, date)
	}
	return fmt.Sprintf("%s built %s", vStr, devDate)
}

// Set records whether the linker overrides were applied to the build.
func Set(useLinkerOverrides bool) {
	linkerOverride = useLinkerOverrides
}
