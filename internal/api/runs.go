package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"carbonetl/internal/pipeline"
	"carbonetl/internal/types"
)

// HandleCreateRun runs the pipeline synchronously and returns the RunResult.
//
// Query parameters: date=YYYY-MM-DD for a single day (default: today UTC),
// or start and end for an explicit range.
func (s *Server) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	input, err := parseRunInput(r, time.Now().UTC())
	if err != nil {
		Error(w, r, err)
		return
	}

	ctx := r.Context()
	if s.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RunTimeout)
		defer cancel()
	}

	res, err := s.Run(ctx, input)
	if err != nil {
		s.Logger.ErrorContext(ctx, "triggered run failed",
			"run_key", input.Key(),
			"request_id", types.GetRequestID(r.Context()),
			"error", err,
		)
		ErrorWithResult(w, r, err, res)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: res})
}

func parseRunInput(r *http.Request, now time.Time) (pipeline.RunInput, error) {
	q := r.URL.Query()
	var input pipeline.RunInput

	var err error
	if date := q.Get("date"); date != "" {
		if input.Date, err = parseDay("date", date); err != nil {
			return input, err
		}
	} else {
		input.Date = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}

	if start := q.Get("start"); start != "" {
		if input.Start, err = parseDay("start", start); err != nil {
			return input, err
		}
	}
	if end := q.Get("end"); end != "" {
		if input.End, err = parseDay("end", end); err != nil {
			return input, err
		}
	}

	if err := input.Validate(); err != nil {
		return input, types.NewAppError(types.ErrCodeInvalidRequest, err.Error(), err)
	}
	return input, nil
}

func parseDay(name, value string) (time.Time, error) {
	t, err := time.ParseInLocation(time.DateOnly, value, time.UTC)
	if err != nil {
		return time.Time{}, types.NewAppError(
			types.ErrCodeInvalidRequest,
			fmt.Sprintf("%s must be formatted YYYY-MM-DD", name),
			err,
		).WithDetails(map[string]any{"parameter": name, "value": value})
	}
	return t, nil
}
