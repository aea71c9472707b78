package deps

import (
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
)

// Requirement names an external command a stage daemon execs.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status is the lookup outcome for one Requirement.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Path        string `json:"path,omitempty"`
	Description string `json:"description,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// CheckBinaries resolves every requirement against PATH. Commands containing
// a slash are checked in place.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, len(requirements))
	for i, req := range requirements {
		results[i] = resolve(req)
	}
	return results
}

func resolve(req Requirement) Status {
	status := Status{
		Name:        req.Name,
		Command:     strings.TrimSpace(req.Command),
		Description: strings.TrimSpace(req.Description),
		Optional:    req.Optional,
	}
	if status.Command == "" {
		status.Detail = "command not configured"
		return status
	}
	path, err := exec.LookPath(status.Command)
	switch {
	case err == nil:
		status.Path = path
		status.Available = true
	case errors.Is(err, exec.ErrNotFound):
		status.Detail = fmt.Sprintf("binary %q not found", status.Command)
	default:
		status.Detail = fmt.Sprintf("binary %q unusable: %v", status.Command, err)
	}
	return status
}

// Missing filters statuses down to unavailable required commands.
func Missing(statuses []Status) []Status {
	return slices.DeleteFunc(slices.Clone(statuses), func(s Status) bool {
		return s.Available || s.Optional
	})
}
