package httpapi

import "fmt"

// httpError is a failure answered with a non-200 status outside the envelope.
type httpError struct {
	Status   int
	Code     string
	Detail   string
	Location string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}
