package dms

import "fmt"

// PassSummary counts the outcome of an inactivity or release pass.
type PassSummary struct {
	Examined  int
	Advanced  int
	Reminded  int
	Triggered int
	Sent      int
	Unchanged int
	Conflicts int
	Failed    int
	Deferred  int // not started before the pass deadline
}

func (s PassSummary) String() string {
	return fmt.Sprintf("examined=%d advanced=%d reminded=%d triggered=%d sent=%d unchanged=%d conflicts=%d failed=%d deferred=%d",
		s.Examined, s.Advanced, s.Reminded, s.Triggered, s.Sent, s.Unchanged, s.Conflicts, s.Failed, s.Deferred)
}

// CleanupSummary counts what a cleanup pass reclaimed.
type CleanupSummary struct {
	ExpiredCodes  int64
	ConsumedCodes int64
	// Orphaned payload records, by outcome.
	DeletedContents   int64 // every relay accepted the deletion
	AbandonedContents int64 // past the give-up age, marker dropped
	RetainedContents  int64 // some relay refused, retried next pass
	Failed            int
}

func (s CleanupSummary) String() string {
	return fmt.Sprintf("expired_codes=%d consumed_codes=%d deleted_contents=%d abandoned_contents=%d retained_contents=%d failed=%d",
		s.ExpiredCodes, s.ConsumedCodes, s.DeletedContents, s.AbandonedContents, s.RetainedContents, s.Failed)
}
