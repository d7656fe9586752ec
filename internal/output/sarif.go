package output

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/owenrumney/go-sarif/v3/pkg/report/v210/sarif"

	"github.com/wheelwright-dev/wheelwright/internal/repair"
	"github.com/wheelwright-dev/wheelwright/internal/resolve"
	"github.com/wheelwright-dev/wheelwright/internal/version"
)

// SARIFFormatter formats repair reports as SARIF 2.1.0 JSON.
// Finding kinds become SARIF rules and each finding a result located
// at the referring artifact.
type SARIFFormatter struct {
	writer io.Writer
}

// NewSARIFFormatter creates a new SARIF formatter.
func NewSARIFFormatter(w io.Writer) *SARIFFormatter {
	return &SARIFFormatter{writer: w}
}

// findingRules describes each finding kind once, as a SARIF rule.
var findingRules = []struct {
	kind resolve.FindingKind
	text string
}{
	{resolve.KindUnresolvable, "A declared shared-library dependency could not be located."},
	{resolve.KindForbidden, "A dependency is forbidden for the requested platform tag."},
	{resolve.KindSymbolVersion, "A versioned symbol reference exceeds the platform tag's cap."},
	{resolve.KindUnbundled, "A needed library is neither bundled in the package nor guaranteed by the platform tag."},
}

// Format writes the repair report as SARIF 2.1.0 JSON.
func (f *SARIFFormatter) Format(report *repair.Report) error {
	sr := sarif.NewReport()

	ver := version.Get().Version
	run := sarif.NewRunWithInformationURI("Wheelwright", "https://github.com/wheelwright-dev/wheelwright")
	run.Tool.Driver.Version = &ver

	for _, rule := range findingRules {
		text := rule.text
		run.Tool.Driver.AddRule(sarif.NewReportingDescriptor().
			WithID(string(rule.kind)).
			WithShortDescription(&sarif.MultiformatMessageString{Text: &text}))
	}

	for _, finding := range report.Findings {
		run.AddResult(f.mapFinding(finding))
	}

	f.addInvocation(run, report)

	props := sarif.NewPropertyBag()
	props.Add("requestedTag", report.RequestedTag)
	props.Add("effectiveTag", report.EffectiveTag)
	props.Add("downgraded", report.Downgraded)
	props.Add("bundled", report.Bundled)
	run.WithProperties(props)

	sr.AddRun(run)
	if err := sr.Write(f.writer); err != nil {
		return fmt.Errorf("failed to write SARIF output: %w", err)
	}
	_, err := f.writer.Write([]byte("\n"))
	return err
}

// mapFinding converts a single finding to a SARIF result.
func (f *SARIFFormatter) mapFinding(finding resolve.Finding) *sarif.Result {
	result := sarif.NewRuleResult(string(finding.Kind))
	result.Level = "error"
	result.Kind = "fail"

	msg := finding.String()
	result.Message = sarif.NewTextMessage(msg)

	if finding.Referrer != "" {
		result.Locations = []*sarif.Location{
			sarif.NewLocation().WithPhysicalLocation(
				sarif.NewPhysicalLocation().WithArtifactLocation(
					sarif.NewArtifactLocation().WithURI(filepath.ToSlash(finding.Referrer)))),
		}
	}

	props := sarif.NewPropertyBag()
	props.Add("library", finding.Library)
	if finding.Detail != "" {
		props.Add("detail", finding.Detail)
	}
	result.WithProperties(props)
	return result
}

// addInvocation adds run metadata to the SARIF run.
func (f *SARIFFormatter) addInvocation(run *sarif.Run, report *repair.Report) {
	invocation := sarif.NewInvocation()
	invocation.ExecutionSuccessful = ptrBool(report.EffectiveTag != "")

	if hostname, err := os.Hostname(); err == nil {
		invocation.Machine = &hostname
	}

	props := sarif.NewPropertyBag()
	props.Add("runId", report.RunID)
	props.Add("input", report.Input)
	if report.Output != "" {
		props.Add("output", report.Output)
	}
	invocation.WithProperties(props)

	run.AddInvocation(invocation)
}

func ptrBool(b bool) *bool {
	return &b
}
