package chart

import (
	"strings"
	"unicode/utf8"
)

// Operation is a lifecycle command.
type Operation string

const (
	OpSign               Operation = "sign"
	OpClose              Operation = "close"
	OpAddendum           Operation = "addendum"
	OpCosign             Operation = "cosign"
	OpUnlock             Operation = "unlock"
	OpMarkPreliminary    Operation = "mark_preliminary"
	OpRegenerateDocument Operation = "regenerate_document"
)

// allowedFrom lists the source states each operation accepts. Cosign is
// state-independent and guarded separately.
var allowedFrom = map[Operation][]State{
	OpMarkPreliminary:    {StateDraft},
	OpSign:               {StateDraft, StatePreliminary},
	OpClose:              {StateSigned},
	OpAddendum:           {StateSigned, StateClosed, StateAmended},
	OpUnlock:             {StateSigned, StateClosed, StateAmended},
	OpRegenerateDocument: {StateClosed, StateAmended},
}

// nextState is the state an operation moves the record into. Operations
// absent here leave the state unchanged.
var nextState = map[Operation]State{
	OpMarkPreliminary: StatePreliminary,
	OpSign:            StateSigned,
	OpClose:           StateClosed,
	OpAddendum:        StateAmended,
	OpUnlock:          StateDraft,
}

// checkTransition rejects op when rec's state (or pending-cosign status)
// forbids it.
func checkTransition(op Operation, rec *Record) error {
	if op == OpCosign {
		if !rec.NeedsCosign() {
			return &TransitionError{Op: op, From: rec.State, Reason: "no cosignature pending"}
		}
		return nil
	}
	for _, s := range allowedFrom[op] {
		if s == rec.State {
			return nil
		}
	}
	return &TransitionError{Op: op, From: rec.State}
}

func targetState(op Operation, from State) State {
	if s, ok := nextState[op]; ok {
		return s
	}
	return from
}

// CanApply reports whether op would pass its state check on rec, ignoring
// input guards.
func CanApply(op Operation, rec *Record) bool {
	return checkTransition(op, rec) == nil
}

const (
	minAddendumBody   = 3
	minCorrectionNote = 5
	minUnlockReason   = 5
)

func runeLen(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}

// AddendumInput is the caller-supplied part of an addendum.
type AddendumInput struct {
	Kind   AddendumKind `json:"kind"`
	Body   string       `json:"body"`
	Reason string       `json:"reason,omitempty"`
}

func (in AddendumInput) validate() error {
	if !in.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: "must be addendum, late_entry or correction"}
	}
	if runeLen(in.Body) < minAddendumBody {
		return &ValidationError{Field: "body", Reason: "must be at least 3 characters"}
	}
	if in.Kind == KindCorrection && runeLen(in.Reason) < minCorrectionNote {
		return &ValidationError{Field: "reason", Reason: "corrections need a reason of at least 5 characters"}
	}
	return nil
}

func validateUnlockReason(reason string) error {
	if runeLen(reason) < minUnlockReason {
		return &ValidationError{Field: "reason", Reason: "must be at least 5 characters"}
	}
	return nil
}
