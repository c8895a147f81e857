package repl

import (
	"strings"

	"github.com/rexxy-sasori/rlm/pkg/models"
)

// FormatOutputs renders execution outputs into the tagged textual block
// fed back to the model: stdout, then stderr, then the error kind, each
// section omitted when empty. The exact form is model-visible contract;
// prompt text in pkg/agent/prompt describes it to the model.
func FormatOutputs(out *models.Outputs) string {
	var sections []string

	if out.Stdout != "" {
		sections = append(sections, "<stdout>"+out.Stdout+"</stdout>")
	}
	if out.Stderr != "" {
		sections = append(sections, "<stderr>"+out.Stderr+"</stderr>")
	}
	if out.ErrorKind != "" {
		sections = append(sections, "<error>"+string(out.ErrorKind)+"</error>")
	}

	return strings.Join(sections, "\n")
}
