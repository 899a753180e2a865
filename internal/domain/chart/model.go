package chart

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is a chart record's lifecycle state.
type State string

const (
	StateDraft       State = "draft"
	StatePreliminary State = "preliminary"
	StateSigned      State = "signed"
	StateClosed      State = "closed"
	StateAmended     State = "amended"
)

var validStates = map[State]bool{
	StateDraft:       true,
	StatePreliminary: true,
	StateSigned:      true,
	StateClosed:      true,
	StateAmended:     true,
}

func (s State) Valid() bool { return validStates[s] }

// Locked reports whether clinical content is frozen in this state.
func (s State) Locked() bool {
	return s == StateSigned || s == StateClosed || s == StateAmended
}

// Finalized reports whether the record has been closed at least once and is
// expected to carry a rendered document.
func (s State) Finalized() bool {
	return s == StateClosed || s == StateAmended
}

func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &ValidationError{Field: "state", Reason: "unknown state " + s}
	}
	return st, nil
}

// NoteContent is the clinical body of a chart.
type NoteContent struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

func (n NoteContent) IsEmpty() bool {
	return strings.TrimSpace(n.Subjective) == "" &&
		strings.TrimSpace(n.Objective) == "" &&
		strings.TrimSpace(n.Assessment) == "" &&
		strings.TrimSpace(n.Plan) == ""
}

// Digest is the hex SHA-256 of the content's JSON encoding; it pins the
// exact text that was signed.
func (n NoteContent) Digest() string {
	b, _ := json.Marshal(n)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Record maps to the chart_record table.
type Record struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	SubjectID        uuid.UUID   `db:"subject_id" json:"subject_id"`
	OwnerID          uuid.UUID   `db:"owner_id" json:"owner_id"`
	State            State       `db:"state" json:"state"`
	Content          NoteContent `db:"content" json:"content"`
	SignedAt         *time.Time  `db:"signed_at" json:"signed_at,omitempty"`
	SignedBy         *string     `db:"signed_by" json:"signed_by,omitempty"`
	ClosedAt         *time.Time  `db:"closed_at" json:"closed_at,omitempty"`
	ClosedBy         *string     `db:"closed_by" json:"closed_by,omitempty"`
	DocumentRef      *string     `db:"document_ref" json:"document_ref,omitempty"`
	CosignRequired   bool        `db:"cosign_required" json:"cosign_required"`
	CosignedAt       *time.Time  `db:"cosigned_at" json:"cosigned_at,omitempty"`
	CosignedBy       *string     `db:"cosigned_by" json:"cosigned_by,omitempty"`
	ScheduledAt      *time.Time  `db:"scheduled_at" json:"scheduled_at,omitempty"`
	EncounterEndedAt *time.Time  `db:"encounter_ended_at" json:"encounter_ended_at,omitempty"`
	LastModifiedAt   *time.Time  `db:"last_modified_at" json:"last_modified_at,omitempty"`
	Version          int         `db:"version" json:"version"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
}

// Locked is derived from State and never stored.
func (r *Record) Locked() bool { return r.State.Locked() }

// NeedsCosign reports an outstanding supervisor cosignature.
func (r *Record) NeedsCosign() bool {
	return r.CosignRequired && r.CosignedAt == nil
}

// EncounterComplete reports whether the underlying visit is over. A signed
// record implies it even when no end time was captured.
func (r *Record) EncounterComplete() bool {
	return r.EncounterEndedAt != nil || r.SignedAt != nil
}

// ReferenceTime is the point sign latency and overdue age are measured from.
func (r *Record) ReferenceTime() time.Time {
	switch {
	case r.LastModifiedAt != nil:
		return *r.LastModifiedAt
	case r.ScheduledAt != nil:
		return *r.ScheduledAt
	default:
		return r.CreatedAt
	}
}

func (r *Record) MarshalJSON() ([]byte, error) {
	type alias Record
	return json.Marshal(struct {
		*alias
		Locked      bool `json:"locked"`
		NeedsCosign bool `json:"needs_cosign"`
	}{(*alias)(r), r.Locked(), r.NeedsCosign()})
}

func (r *Record) clone() *Record {
	c := *r
	c.SignedAt = copyTime(r.SignedAt)
	c.SignedBy = copyString(r.SignedBy)
	c.ClosedAt = copyTime(r.ClosedAt)
	c.ClosedBy = copyString(r.ClosedBy)
	c.DocumentRef = copyString(r.DocumentRef)
	c.CosignedAt = copyTime(r.CosignedAt)
	c.CosignedBy = copyString(r.CosignedBy)
	c.ScheduledAt = copyTime(r.ScheduledAt)
	c.EncounterEndedAt = copyTime(r.EncounterEndedAt)
	c.LastModifiedAt = copyTime(r.LastModifiedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Actor is whoever performs a lifecycle action.
type Actor struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

func (a Actor) validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return &ValidationError{Field: "actor_name", Reason: "is required"}
	}
	return nil
}

// AddendumKind distinguishes post-signature additions.
type AddendumKind string

const (
	KindAddendum   AddendumKind = "addendum"
	KindLateEntry  AddendumKind = "late_entry"
	KindCorrection AddendumKind = "correction"
)

func (k AddendumKind) Valid() bool {
	return k == KindAddendum || k == KindLateEntry || k == KindCorrection
}

// AuditAction is the audit action recorded when an addendum of this kind is
// appended.
func (k AddendumKind) AuditAction() Action {
	return Action(string(k) + "_added")
}

// AddendumEntry maps to the chart_addendum table. Immutable once written.
type AddendumEntry struct {
	ID         uuid.UUID    `db:"id" json:"id"`
	RecordID   uuid.UUID    `db:"record_id" json:"record_id"`
	Kind       AddendumKind `db:"kind" json:"kind"`
	Body       string       `db:"body" json:"body"`
	Reason     *string      `db:"reason" json:"reason,omitempty"`
	AuthorName string       `db:"author_name" json:"author_name"`
	AuthorRole string       `db:"author_role" json:"author_role"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
}

// Action names an audit event.
type Action string

const (
	ActionSigned            Action = "signed"
	ActionClosed            Action = "closed"
	ActionPDFGenerated      Action = "pdf_generated"
	ActionCosigned          Action = "cosigned"
	ActionUnlocked          Action = "unlocked"
	ActionMarkedPreliminary Action = "marked_preliminary"
)

// AuditEntry maps to the chart_audit table. Entries for one record form a
// hash chain: Hash covers the entry's fields and PrevHash.
type AuditEntry struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Seq        int64     `db:"seq" json:"seq"`
	RecordID   uuid.UUID `db:"record_id" json:"record_id"`
	Action     Action    `db:"action" json:"action"`
	ActorName  string    `db:"actor_name" json:"actor_name"`
	ActorRole  string    `db:"actor_role" json:"actor_role"`
	ReasonText *string   `db:"reason_text" json:"reason_text,omitempty"`
	FromState  State     `db:"from_state" json:"from_state"`
	ToState    State     `db:"to_state" json:"to_state"`
	Details    Details   `db:"details" json:"details"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
	PrevHash   string    `db:"prev_hash" json:"prev_hash"`
	Hash       string    `db:"hash" json:"hash"`
}

// RecordFilter narrows record listings. Nil fields are ignored.
type RecordFilter struct {
	OwnerID   *uuid.UUID
	SubjectID *uuid.UUID
	State     *State
}
