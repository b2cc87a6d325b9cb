package app

import "dms-go/internal/dms"

// Pass kinds, as recorded in pass history.
const (
	PassInactivity = "inactivity"
	PassRelease    = "release"
	PassCleanup    = "cleanup"
)

// PassKinds lists every pass the scheduler knows about.
var PassKinds = []string{PassInactivity, PassRelease, PassCleanup}

// PassOperation tracks one scheduler pass. It is created in memory with
// ID=0 and gets its ID once the run is persisted to pass history.
type PassOperation struct {
	ID      int64
	Kind    string
	Status  string // "success" or "error"
	Summary string
}

// NewPassOperation creates a new in-memory pass operation.
func NewPassOperation(kind string) *PassOperation {
	return &PassOperation{
		Kind:   kind,
		Status: "success",
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *PassOperation) Persisted() bool {
	return op.ID != 0
}

// finishPass stores the summary of an inactivity or release pass. A pass
// with failed switches is recorded as an error.
func (op *PassOperation) finishPass(s dms.PassSummary) {
	op.Summary = s.String()
	if s.Failed > 0 {
		op.Status = "error"
	}
}

func (op *PassOperation) finishCleanup(s dms.CleanupSummary) {
	op.Summary = s.String()
	if s.Failed > 0 {
		op.Status = "error"
	}
}
