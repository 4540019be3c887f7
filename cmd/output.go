package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
)

// jsonEnvelope is the machine-readable wrapper every command emits under
// --json. Errors carry the classification so scripted callers can branch on
// category without parsing messages.
type jsonEnvelope struct {
	Success bool       `json:"success"`
	Result  any        `json:"result,omitempty"`
	Error   *jsonError `json:"error,omitempty"`
}

type jsonError struct {
	Category string `json:"category"`
	Code     int    `json:"code,omitempty"`
	Message  string `json:"message"`
}

func writeJSON(cmd *cobra.Command, envelope jsonEnvelope) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(envelope)
}

func writeJSONResult(cmd *cobra.Command, result any) error {
	return writeJSON(cmd, jsonEnvelope{Success: true, Result: result})
}

// writeJSONError emits the failure envelope and silences cobra's own error
// line so stdout stays parseable. The error still propagates for the exit
// code.
func writeJSONError(cmd *cobra.Command, err error) error {
	payload := &jsonError{Category: string(domain.CategoryProtocol), Message: err.Error()}
	if classified, ok := domain.AsClassified(err); ok {
		payload.Category = string(classified.Category)
		payload.Code = classified.Code
		payload.Message = classified.Message
	}

	if writeErr := writeJSON(cmd, jsonEnvelope{Success: false, Error: payload}); writeErr != nil {
		return writeErr
	}

	cmd.SilenceErrors = true
	cmd.Root().SilenceErrors = true
	return err
}
