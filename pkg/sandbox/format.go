package sandbox

import (
	"fmt"
	"strings"
)

// FormatOutcome renders an execution outcome as the text fed back to the
// model. An execution error replaces everything else.
func FormatOutcome(o *Outcome) string {
	if o.Error != nil {
		return fmt.Sprintf("There was an error during execution: %s: %s.\n%s",
			o.Error.Kind, o.Error.Message, o.Error.Traceback)
	}

	var b strings.Builder
	if len(o.Results) > 0 {
		b.WriteString("These are results of the execution:\n")
		for i, r := range o.Results {
			fmt.Fprintf(&b, "Result %d:\n", i+1)
			if r.IsPrimary {
				fmt.Fprintf(&b, "[Main result]: %s\n", r.Text)
			} else {
				fmt.Fprintf(&b, "[Display data]: %s\n", r.Text)
			}
			if len(r.Formats) > 0 {
				fmt.Fprintf(&b, "It has also following formats: %s\n", strings.Join(r.Formats, ", "))
			}
		}
	}
	if len(o.Stdout) > 0 || len(o.Stderr) > 0 {
		b.WriteString("These are the logs of the execution:\n")
		if len(o.Stdout) > 0 {
			b.WriteString("Stdout: " + strings.Join(o.Stdout, "\n") + "\n")
		}
		if len(o.Stderr) > 0 {
			b.WriteString("Stderr: " + strings.Join(o.Stderr, "\n") + "\n")
		}
	}
	if b.Len() == 0 {
		return "(No output)"
	}
	return b.String()
}
