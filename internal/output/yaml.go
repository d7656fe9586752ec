package output

import (
	"io"

	"github.com/goccy/go-yaml"

	"github.com/wheelwright-dev/wheelwright/internal/repair"
)

// YAMLFormatter formats repair reports as YAML.
type YAMLFormatter struct {
	writer io.Writer
}

// NewYAMLFormatter creates a new YAML formatter.
func NewYAMLFormatter(w io.Writer) *YAMLFormatter {
	return &YAMLFormatter{writer: w}
}

// Format writes the repair report as YAML.
func (f *YAMLFormatter) Format(report *repair.Report) error {
	encoder := yaml.NewEncoder(f.writer, yaml.Indent(2))

	if err := encoder.Encode(report); err != nil {
		return err
	}

	return encoder.Close()
}
