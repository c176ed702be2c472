package types

import "time"

// RunCompletedMessage is published once a pipeline run finishes, whether it
// succeeded or not.
type RunCompletedMessage struct {
	RunID       string    `json:"run_id"`
	RunKey      string    `json:"run_key"`
	Status      string    `json:"status"`
	Extracted   int       `json:"extracted"`
	Transformed int       `json:"transformed"`
	Inserted    int       `json:"inserted"`
	CSVPath     string    `json:"csv_path,omitempty"`
	Error       string    `json:"error,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Run statuses.
const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)
