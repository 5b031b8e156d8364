package intel

import "time"

// Run kinds.
const (
	KindIngest  = "ingest"
	KindEnrich  = "enrich"
	KindCleanup = "cleanup"
	KindSweep   = "sweep"
)

// RunReport is the result of one pipeline run. It is the run's only
// observability surface: logged once and returned to the trigger.
type RunReport struct {
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	OK         bool      `json:"ok"`
	// Fatal is set when the run could not proceed at all.
	Fatal string `json:"fatal,omitempty"`

	Processed int      `json:"processed"`
	Inserted  int      `json:"inserted"`
	Updated   int      `json:"updated"`
	Geotagged int      `json:"geotagged"`
	Deleted   int64    `json:"deleted"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`

	// Detail holds the stage-specific statistics of the run.
	Detail any `json:"detail,omitempty"`
}

func newReport(kind, runID string) *RunReport {
	return &RunReport{RunID: runID, Kind: kind, StartedAt: time.Now().UTC(), OK: true, Errors: []string{}}
}

func (r *RunReport) fatal(err error) {
	r.OK = false
	r.Fatal = err.Error()
	r.Errors = append(r.Errors, err.Error())
}

func (r *RunReport) finish() {
	r.DurationMs = time.Since(r.StartedAt).Milliseconds()
}
