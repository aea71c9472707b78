package stage

import "strings"

// Health is a processor's readiness as shown by status.
type Health struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Healthy reports name as ready.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy reports name as not ready with detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Detail: strings.TrimSpace(detail)}
}

// Named returns h under a different name, keeping readiness.
func (h Health) Named(name string) Health {
	h.Name = name
	return h
}
