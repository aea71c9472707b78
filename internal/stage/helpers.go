package stage

import (
	"fmt"
	"strings"

	"accession/internal/services"
)

// FailureMessage derives the message recorded on a failed entity.
func FailureMessage(stageName string, err error) string {
	if err == nil {
		return fmt.Sprintf("%s failed without error detail", stageName)
	}
	details := services.Details(err)
	message := strings.TrimSpace(details.Message)
	if message == "" {
		message = strings.TrimSpace(err.Error())
	}
	if message == "" {
		message = fmt.Sprintf("%s failed", stageName)
	}
	return message
}
