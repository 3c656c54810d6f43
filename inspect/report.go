package inspect

import (
	_ "embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed jsonschema/layout_Schema.json
var LayoutSchema []byte

// ReportValidator checks that a json layout report is valid against
// the layout schema. The verbose mode gives a full list of the
// errors, which may be a large string.
func ReportValidator(report []byte, verbose bool) error {
	schemaLoader := gojsonschema.NewBytesLoader(LayoutSchema)
	documentLoader := gojsonschema.NewBytesLoader(report)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return err
	}

	if result.Valid() {
		return nil
	}

	errString := "The report is not valid. "
	if verbose {
		errString += "See errors :\n"
		for _, desc := range result.Errors() {
			errString += fmt.Sprintf("- %s\n", desc)
		}
	}
	errString += "\n"

	return fmt.Errorf("%s", errString)
}
