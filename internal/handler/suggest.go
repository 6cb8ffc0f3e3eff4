package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/sakif/cellrunner/internal/apperror"
)

// maxPromptLength bounds the suggestion prompt in characters.
const maxPromptLength = 2000

// SuggestRequest asks for a code suggestion.
type SuggestRequest struct {
	Prompt string `json:"prompt"`
}

// SuggestResponse carries the suggested code.
type SuggestResponse struct {
	Suggestion string `json:"suggestion"`
}

// SuggestHandler answers code suggestion requests with a fixed template.
// No model is consulted and nothing is executed.
type SuggestHandler struct{}

// NewSuggestHandler creates a new SuggestHandler.
func NewSuggestHandler() *SuggestHandler {
	return &SuggestHandler{}
}

// HandleSuggest returns the template suggestion for the prompt.
func (h *SuggestHandler) HandleSuggest(w http.ResponseWriter, r *http.Request) {
	var req SuggestRequest
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		writeError(w, err)
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		writeError(w, apperror.ValidationFailed("prompt", "prompt must not be empty"))
		return
	}
	if len([]rune(prompt)) > maxPromptLength {
		writeError(w, apperror.ValidationFailed("prompt", fmt.Sprintf("prompt must be at most %d characters", maxPromptLength)))
		return
	}

	writeJSON(w, http.StatusOK, SuggestResponse{Suggestion: Suggest(prompt)})
}

// Suggest renders the suggestion template.
func Suggest(prompt string) string {
	return "# Here's a suggestion for: " + prompt + "\n" +
		"def example_function():\n" +
		"    print('Hello, world!')"
}
