package executor

import (
	"strings"
	"time"

	"github.com/sakif/cellrunner/internal/executor/capture"
)

// TruncationMarker is appended to the output when a stream hit its cap.
const TruncationMarker = "[output truncated]"

// Assemble builds the Result for one execution. It is a pure function of its
// inputs.
//
// On success Output is the captured stdout and Error is nil. On any failure
// the captured stdout is kept and followed by an "Error: ..." summary line,
// and Error carries the full detail. Sandbox violations only ever carry a
// generic message.
func Assemble(id string, out capture.Output, o Outcome, artifacts []Artifact, elapsed time.Duration) Result {
	res := Result{
		ExecutionID:    id,
		Outcome:        o.Kind,
		Resource:       o.Resource,
		Truncated:      out.Truncated(),
		Duration:       elapsed,
		Visualizations: make([]Artifact, len(artifacts)),
	}
	copy(res.Visualizations, artifacts)

	var b strings.Builder
	b.WriteString(out.Stdout)
	if res.Truncated {
		newline(&b)
		b.WriteString(TruncationMarker)
		b.WriteByte('\n')
	}

	if o.Kind != KindSandboxViolation {
		res.Stderr = out.Stderr
	}

	if o.Kind == KindSuccess {
		res.Output = b.String()
		return res
	}

	summary := o.Summary()
	newline(&b)
	b.WriteString("Error: ")
	b.WriteString(summary)
	res.Output = b.String()

	detail := summary
	if o.Kind == KindRuntimeFailure && o.Trace != "" {
		detail = strings.TrimRight(o.Trace, "\n")
		if !strings.Contains(o.Trace, o.Message) {
			detail = o.Message + "\n" + detail
		}
	}
	res.Error = &detail
	return res
}

func newline(b *strings.Builder) {
	if s := b.String(); s != "" && !strings.HasSuffix(s, "\n") {
		b.WriteByte('\n')
	}
}
