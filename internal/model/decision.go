package model

// DedupDecision is the outcome of resolving one Evidence against its pool.
//
// Kind is DedupUnique, DedupDuplicate or DedupLinked. TargetID is the
// evidence id for duplicates and the transaction id for links. Supersedes
// lists evidence ids that were created after the candidate but resolved
// first; they become duplicates of the candidate.
type DedupDecision struct {
	Kind       DedupState
	TargetID   string
	Supersedes []string
	Score      float64
}

// ApplyTo writes the decision onto the candidate's dedup fields.
func (d DedupDecision) ApplyTo(e *Evidence) {
	e.DedupState = d.Kind
	e.DuplicateOfID = nil
	e.LinkedTransactionID = nil

	switch d.Kind {
	case DedupDuplicate:
		target := d.TargetID
		e.DuplicateOfID = &target
	case DedupLinked:
		target := d.TargetID
		e.LinkedTransactionID = &target
	}
}
