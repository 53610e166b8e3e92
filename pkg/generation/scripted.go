package generation

import (
	"context"

	"github.com/pkg/errors"
)

// Scripted replays a fixed sequence of responses and records every request
// it sees. It exists for tests of code that drives a Generator.
type Scripted struct {
	Responses []*Response
	Errors    []error

	Requests []Request
}

var _ Generator = (*Scripted)(nil)

// Generate pops the next scripted response. A non-nil error at the current
// position wins over the response at that position.
func (s *Scripted) Generate(_ context.Context, req Request) (*Response, error) {
	index := len(s.Requests)
	s.Requests = append(s.Requests, req)

	if index < len(s.Errors) && s.Errors[index] != nil {
		return nil, s.Errors[index]
	}
	if index >= len(s.Responses) {
		return nil, errors.Errorf("scripted generator exhausted after %d responses", len(s.Responses))
	}
	return s.Responses[index], nil
}
