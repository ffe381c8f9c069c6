package reporting

import "outreach-platform/internal/dialer"

// Counts are derived from contact attempt state at read time. They always
// sum to Total.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	NoAnswer  int `json:"no_answer"`
	Confirmed int `json:"confirmed"`
	Manual    int `json:"manual"`
	Error     int `json:"error"`

	ByState map[dialer.State]int `json:"by_state"`
}

// RunSummary is the status view of one call run.
type RunSummary struct {
	RunID    string `json:"run_id"`
	Counts   Counts `json:"counts"`
	OpenJobs int    `json:"open_jobs"`

	// Done is true once every attempt is terminal and no job is open.
	Done bool `json:"done"`
}
