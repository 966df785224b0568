// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import "context"

// WatchResponse is the result of a blocking read. Result is one of
// ResultOK, ResultTimeout or ResultNoData; Actions is only set for
// ResultOK. A timeout is a normal outcome and never an error.
type WatchResponse struct {
	Result  string           `json:"result"`
	Actions []DatabaseAction `json:"actions,omitempty"`
}

// WatchActions is the combined blocking read: it reads once, and when the
// result is empty parks on the project's write signal and reads again
// after a wake-up. block=false degrades to a plain read that reports
// ResultNoData instead of waiting.
func (s *Service) WatchActions(ctx context.Context, caller, origin, project string, req *ReadRequest, block bool) (*WatchResponse, error) {
	resp, err := s.ReadActions(ctx, caller, origin, project, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Actions) > 0 {
		return &WatchResponse{Result: ResultOK, Actions: resp.Actions}, nil
	}
	if !block {
		return &WatchResponse{Result: ResultNoData}, nil
	}

	for {
		signaled := s.watch.AwaitProject(ctx, project)
		if !signaled {
			return &WatchResponse{Result: ResultTimeout}, nil
		}
		resp, err = s.ReadActions(ctx, caller, origin, project, req)
		if err != nil {
			return nil, err
		}
		if len(resp.Actions) > 0 {
			return &WatchResponse{Result: ResultOK, Actions: resp.Actions}, nil
		}
		// Woken by a write the filters exclude; park again until the
		// overall deadline passes.
		if ctx.Err() != nil {
			return &WatchResponse{Result: ResultTimeout}, nil
		}
	}
}
