package chart

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/charting/internal/platform/renderer"
)

// Service is the chart lifecycle engine. It holds no per-record state; all
// coordination happens through the repository's compare-and-swap.
type Service struct {
	repo          Repository
	tx            Transactor
	renderer      renderer.Gateway
	renderTimeout time.Duration
	logger        zerolog.Logger
	now           func() time.Time
}

type Option func(*Service)

// WithRenderer sets the document renderer used on Close and its time budget.
func WithRenderer(g renderer.Gateway, timeout time.Duration) Option {
	return func(s *Service) {
		s.renderer = g
		if timeout > 0 {
			s.renderTimeout = timeout
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, tx Transactor, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		tx:            tx,
		renderTimeout: 5 * time.Second,
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// clock truncates to the microsecond so values survive a Postgres round trip
// unchanged (audit hashes cover them).
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Result is what a committed lifecycle operation hands back: the new record
// state, the audit entries it appended and any non-fatal warnings.
type Result struct {
	Record   *Record        `json:"record"`
	Addendum *AddendumEntry `json:"addendum,omitempty"`
	Audit    []*AuditEntry  `json:"audit"`
	Warnings []Warning      `json:"warnings,omitempty"`
}

func newEntry(recordID uuid.UUID, action Action, actor Actor, from, to State, details Details, reason *string, at time.Time) *AuditEntry {
	return &AuditEntry{
		ID:         uuid.New(),
		RecordID:   recordID,
		Action:     action,
		ActorName:  actor.Name,
		ActorRole:  actor.Role,
		ReasonText: reason,
		FromState:  from,
		ToState:    to,
		Details:    details,
		OccurredAt: at,
	}
}

// commit persists next over prior and appends the audit entries (and an
// optional addendum) in one transaction. The CAS update runs first so the
// row lock it takes serialises chain appends for the record. A lost CAS is
// reported as an invalid transition when the winner moved the record out of
// reach of op, and as a concurrency conflict otherwise.
func (s *Service) commit(ctx context.Context, op Operation, prior, next *Record, add *AddendumEntry, entries ...*AuditEntry) error {
	next.Version = prior.Version + 1
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CompareAndSwap(ctx, next, prior.State, prior.Version); err != nil {
			return err
		}
		if add != nil {
			if err := s.repo.CreateAddendum(ctx, add); err != nil {
				return err
			}
		}
		last, err := s.repo.LastAudit(ctx, next.ID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := link(last, e); err != nil {
				return err
			}
			if err := s.repo.AppendAudit(ctx, e); err != nil {
				return err
			}
			last = e
		}
		return nil
	})
	if errors.Is(err, ErrConcurrencyConflict) {
		return s.resolveConflict(ctx, op, prior.ID, err)
	}
	return err
}

// resolveConflict reloads the record after a lost CAS and rechecks op
// against the state the winning writer left behind.
func (s *Service) resolveConflict(ctx context.Context, op Operation, id uuid.UUID, conflict error) error {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return conflict
	}
	if err := checkTransition(op, current); err != nil {
		return s.reject(op, current, err)
	}
	if op == OpRegenerateDocument && current.DocumentRef != nil {
		return s.reject(op, current,
			&TransitionError{Op: op, From: current.State, Reason: "document already rendered"})
	}
	return conflict
}

func (s *Service) committed(op Operation, prior, next *Record, actor Actor) {
	s.logger.Info().
		Str("record_id", next.ID.String()).
		Str("op", string(op)).
		Str("from_state", string(prior.State)).
		Str("to_state", string(next.State)).
		Str("actor", actor.Name).
		Str("actor_role", actor.Role).
		Int("version", next.Version).
		Msg("chart transition committed")
}

func (s *Service) reject(op Operation, rec *Record, err error) error {
	s.logger.Debug().
		Str("record_id", rec.ID.String()).
		Str("op", string(op)).
		Str("state", string(rec.State)).
		Err(err).
		Msg("chart transition rejected")
	return err
}

// begin validates the actor, loads the record and checks op against its
// state.
func (s *Service) begin(ctx context.Context, op Operation, id uuid.UUID, actor Actor) (*Record, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(op, rec); err != nil {
		return nil, s.reject(op, rec, err)
	}
	return rec, nil
}

func ptr[T any](v T) *T { return &v }

// Sign freezes a Draft or Preliminary record.
func (s *Service) Sign(ctx context.Context, id uuid.UUID, actor Actor) (*Result, error) {
	prior, err := s.begin(ctx, OpSign, id, actor)
	if err != nil {
		return nil, err
	}
	if prior.Content.IsEmpty() {
		return nil, s.reject(OpSign, prior, &ValidationError{Field: "content", Reason: "clinical content is empty"})
	}

	now := s.clock()
	next := prior.clone()
	next.State = targetState(OpSign, prior.State)
	next.SignedAt = ptr(now)
	next.SignedBy = ptr(actor.Name)
	next.UpdatedAt = now

	entry := newEntry(id, ActionSigned, actor, prior.State, next.State,
		SignedDetails{ContentDigest: prior.Content.Digest()}, nil, now)
	if err := s.commit(ctx, OpSign, prior, next, nil, entry); err != nil {
		return nil, err
	}
	s.committed(OpSign, prior, next, actor)
	return &Result{Record: next, Audit: []*AuditEntry{entry}}, nil
}

// Close finalizes a Signed record and requests its document. A renderer
// failure does not block the close: the record commits without a
// documentRef and the result carries a warning.
func (s *Service) Close(ctx context.Context, id uuid.UUID, actor Actor) (*Result, error) {
	prior, err := s.begin(ctx, OpClose, id, actor)
	if err != nil {
		return nil, err
	}
	addenda, err := s.repo.ListAddenda(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	next := prior.clone()
	next.State = targetState(OpClose, prior.State)
	next.ClosedAt = ptr(now)
	next.ClosedBy = ptr(actor.Name)
	next.DocumentRef = nil
	next.UpdatedAt = now

	doc, renderErr := renderer.RenderWithin(ctx, s.renderer, id, snapshotOf(next, addenda), s.renderTimeout)

	details := ClosedDetails{DocumentRendered: renderErr == nil}
	var warnings []Warning
	if renderErr != nil {
		details.RenderError = renderErr.Error()
		warnings = append(warnings, Warning{Code: CodeRendererUnavailable, Message: renderErr.Error()})
		s.logger.Warn().Str("record_id", id.String()).Err(renderErr).Msg("document render failed; closing without document")
	} else {
		next.DocumentRef = ptr(doc.URL)
	}

	entries := []*AuditEntry{newEntry(id, ActionClosed, actor, prior.State, next.State, details, nil, now)}
	if renderErr == nil {
		entries = append(entries, newEntry(id, ActionPDFGenerated, actor, next.State, next.State,
			DocumentDetails{DocumentURL: doc.URL}, nil, now))
	}

	if err := s.commit(ctx, OpClose, prior, next, nil, entries...); err != nil {
		if renderErr == nil {
			s.discard(ctx, doc)
		}
		return nil, err
	}
	s.committed(OpClose, prior, next, actor)
	return &Result{Record: next, Audit: entries, Warnings: warnings}, nil
}

// AddAddendum appends post-signature text. The original content is never
// touched; the record moves to Amended and stays locked.
func (s *Service) AddAddendum(ctx context.Context, id uuid.UUID, actor Actor, in AddendumInput) (*Result, error) {
	prior, err := s.begin(ctx, OpAddendum, id, actor)
	if err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, s.reject(OpAddendum, prior, err)
	}

	now := s.clock()
	add := &AddendumEntry{
		ID:         uuid.New(),
		RecordID:   id,
		Kind:       in.Kind,
		Body:       in.Body,
		AuthorName: actor.Name,
		AuthorRole: actor.Role,
		CreatedAt:  now,
	}
	if r := strings.TrimSpace(in.Reason); r != "" {
		add.Reason = ptr(r)
	}

	next := prior.clone()
	next.State = targetState(OpAddendum, prior.State)
	next.UpdatedAt = now

	sum := sha256.Sum256([]byte(in.Body))
	entry := newEntry(id, in.Kind.AuditAction(), actor, prior.State, next.State,
		AddendumDetails{AddendumID: add.ID, Kind: in.Kind, BodyDigest: hex.EncodeToString(sum[:])},
		add.Reason, now)

	if err := s.commit(ctx, OpAddendum, prior, next, add, entry); err != nil {
		return nil, err
	}
	s.committed(OpAddendum, prior, next, actor)
	return &Result{Record: next, Addendum: add, Audit: []*AuditEntry{entry}}, nil
}

// Cosign records a supervisor's cosignature. It does not depend on the
// lifecycle state, only on a cosignature being outstanding.
func (s *Service) Cosign(ctx context.Context, id uuid.UUID, actor Actor) (*Result, error) {
	if strings.TrimSpace(actor.Role) == "" {
		if err := actor.validate(); err != nil {
			return nil, err
		}
		return nil, &ValidationError{Field: "actor_role", Reason: "cosign requires the supervisor's role"}
	}
	prior, err := s.begin(ctx, OpCosign, id, actor)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	next := prior.clone()
	next.CosignedAt = ptr(now)
	next.CosignedBy = ptr(actor.Name)
	next.CosignRequired = false
	next.UpdatedAt = now

	entry := newEntry(id, ActionCosigned, actor, prior.State, next.State,
		CosignDetails{RecordState: prior.State}, nil, now)
	if err := s.commit(ctx, OpCosign, prior, next, nil, entry); err != nil {
		return nil, err
	}
	s.committed(OpCosign, prior, next, actor)
	return &Result{Record: next, Audit: []*AuditEntry{entry}}, nil
}

// Unlock returns a locked record to Draft for correction. Historical
// signature and close markers are kept.
func (s *Service) Unlock(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*Result, error) {
	prior, err := s.begin(ctx, OpUnlock, id, actor)
	if err != nil {
		return nil, err
	}
	if err := validateUnlockReason(reason); err != nil {
		return nil, s.reject(OpUnlock, prior, err)
	}

	now := s.clock()
	next := prior.clone()
	next.State = targetState(OpUnlock, prior.State)
	next.UpdatedAt = now

	entry := newEntry(id, ActionUnlocked, actor, prior.State, next.State,
		UnlockDetails{PriorState: prior.State, PriorSignedAt: prior.SignedAt, PriorClosedAt: prior.ClosedAt},
		ptr(strings.TrimSpace(reason)), now)
	if err := s.commit(ctx, OpUnlock, prior, next, nil, entry); err != nil {
		return nil, err
	}
	s.committed(OpUnlock, prior, next, actor)
	return &Result{Record: next, Audit: []*AuditEntry{entry}}, nil
}

// MarkPreliminary moves a Draft with content to Preliminary.
func (s *Service) MarkPreliminary(ctx context.Context, id uuid.UUID, actor Actor) (*Result, error) {
	prior, err := s.begin(ctx, OpMarkPreliminary, id, actor)
	if err != nil {
		return nil, err
	}
	if prior.Content.IsEmpty() {
		return nil, s.reject(OpMarkPreliminary, prior, &ValidationError{Field: "content", Reason: "clinical content is empty"})
	}

	now := s.clock()
	next := prior.clone()
	next.State = targetState(OpMarkPreliminary, prior.State)
	next.UpdatedAt = now

	entry := newEntry(id, ActionMarkedPreliminary, actor, prior.State, next.State,
		PreliminaryDetails{ContentDigest: prior.Content.Digest()}, nil, now)
	if err := s.commit(ctx, OpMarkPreliminary, prior, next, nil, entry); err != nil {
		return nil, err
	}
	s.committed(OpMarkPreliminary, prior, next, actor)
	return &Result{Record: next, Audit: []*AuditEntry{entry}}, nil
}

// RegenerateDocument retries rendering for a finalized record whose close
// went through without a document. Unlike Close, a renderer failure here is
// returned as an error.
func (s *Service) RegenerateDocument(ctx context.Context, id uuid.UUID, actor Actor) (*Result, error) {
	prior, err := s.begin(ctx, OpRegenerateDocument, id, actor)
	if err != nil {
		return nil, err
	}
	if prior.DocumentRef != nil {
		return nil, s.reject(OpRegenerateDocument, prior,
			&TransitionError{Op: OpRegenerateDocument, From: prior.State, Reason: "document already rendered"})
	}
	addenda, err := s.repo.ListAddenda(ctx, id)
	if err != nil {
		return nil, err
	}

	doc, err := renderer.RenderWithin(ctx, s.renderer, id, snapshotOf(prior, addenda), s.renderTimeout)
	if err != nil {
		s.logger.Warn().Str("record_id", id.String()).Err(err).Msg("document regeneration failed")
		return nil, fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
	}

	now := s.clock()
	next := prior.clone()
	next.DocumentRef = ptr(doc.URL)
	next.UpdatedAt = now

	entry := newEntry(id, ActionPDFGenerated, actor, prior.State, next.State,
		DocumentDetails{DocumentURL: doc.URL, Regenerated: true}, nil, now)
	if err := s.commit(ctx, OpRegenerateDocument, prior, next, nil, entry); err != nil {
		s.discard(ctx, doc)
		return nil, err
	}
	s.committed(OpRegenerateDocument, prior, next, actor)
	return &Result{Record: next, Audit: []*AuditEntry{entry}}, nil
}

// discard drops a document rendered for a transition that did not commit.
func (s *Service) discard(ctx context.Context, doc *renderer.Document) {
	d, ok := s.renderer.(renderer.Discarder)
	if !ok || doc == nil {
		return
	}
	if err := d.Discard(context.WithoutCancel(ctx), doc); err != nil {
		s.logger.Warn().Str("document_url", doc.URL).Err(err).Msg("orphaned chart document not discarded")
	}
}

func snapshotOf(rec *Record, addenda []*AddendumEntry) renderer.Snapshot {
	snap := renderer.Snapshot{
		RecordID:   rec.ID,
		SubjectID:  rec.SubjectID,
		OwnerID:    rec.OwnerID,
		State:      string(rec.State),
		Subjective: rec.Content.Subjective,
		Objective:  rec.Content.Objective,
		Assessment: rec.Content.Assessment,
		Plan:       rec.Content.Plan,
		SignedBy:   deref(rec.SignedBy),
		CosignedBy: deref(rec.CosignedBy),
		ClosedBy:   deref(rec.ClosedBy),
	}
	if rec.SignedAt != nil {
		snap.SignedAt = *rec.SignedAt
	}
	if rec.CosignedAt != nil {
		snap.CosignedAt = *rec.CosignedAt
	}
	if rec.ClosedAt != nil {
		snap.ClosedAt = *rec.ClosedAt
	}
	for _, a := range addenda {
		snap.Addenda = append(snap.Addenda, renderer.Addendum{
			Kind:      string(a.Kind),
			Author:    a.AuthorName,
			Reason:    deref(a.Reason),
			Body:      a.Body,
			CreatedAt: a.CreatedAt,
		})
	}
	return snap
}

// DraftInput creates a record on its first content save.
type DraftInput struct {
	SubjectID        uuid.UUID   `json:"subject_id"`
	OwnerID          uuid.UUID   `json:"owner_id"`
	Content          NoteContent `json:"content"`
	CosignRequired   bool        `json:"cosign_required"`
	ScheduledAt      *time.Time  `json:"scheduled_at,omitempty"`
	EncounterEndedAt *time.Time  `json:"encounter_ended_at,omitempty"`
}

func normalizeTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return ptr(t.UTC().Truncate(time.Microsecond))
}

func (s *Service) CreateDraft(ctx context.Context, in DraftInput) (*Record, error) {
	if in.SubjectID == uuid.Nil {
		return nil, &ValidationError{Field: "subject_id", Reason: "is required"}
	}
	if in.OwnerID == uuid.Nil {
		return nil, &ValidationError{Field: "owner_id", Reason: "is required"}
	}

	now := s.clock()
	rec := &Record{
		ID:               uuid.New(),
		SubjectID:        in.SubjectID,
		OwnerID:          in.OwnerID,
		State:            StateDraft,
		Content:          in.Content,
		CosignRequired:   in.CosignRequired,
		ScheduledAt:      normalizeTime(in.ScheduledAt),
		EncounterEndedAt: normalizeTime(in.EncounterEndedAt),
		LastModifiedAt:   ptr(now),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info().Str("record_id", rec.ID.String()).Str("owner_id", rec.OwnerID.String()).Msg("chart draft created")
	return rec, nil
}

// ContentInput replaces a record's clinical content.
type ContentInput struct {
	Content          NoteContent `json:"content"`
	EncounterEndedAt *time.Time  `json:"encounter_ended_at,omitempty"`
}

// SaveContent overwrites the content of an unlocked record. Locked records
// must be changed through an addendum or unlocked first.
func (s *Service) SaveContent(ctx context.Context, id uuid.UUID, in ContentInput) (*Record, error) {
	prior, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if prior.Locked() {
		return nil, fmt.Errorf("%w: record is %s", ErrRecordLocked, prior.State)
	}

	now := s.clock()
	next := prior.clone()
	next.Content = in.Content
	if in.EncounterEndedAt != nil {
		next.EncounterEndedAt = normalizeTime(in.EncounterEndedAt)
	}
	next.LastModifiedAt = ptr(now)
	next.UpdatedAt = now
	next.Version = prior.Version + 1

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.repo.CompareAndSwap(ctx, next, prior.State, prior.Version)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListRecords(ctx context.Context, f RecordFilter, limit, offset int) ([]*Record, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) ListAddenda(ctx context.Context, id uuid.UUID) ([]*AddendumEntry, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListAddenda(ctx, id)
}

// AuditTrail returns a record's entries ordered by occurredAt then sequence.
func (s *Service) AuditTrail(ctx context.Context, id uuid.UUID) ([]*AuditEntry, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListAudit(ctx, id)
}

// VerifyAuditTrail recomputes a record's hash chain.
func (s *Service) VerifyAuditTrail(ctx context.Context, id uuid.UUID) (ChainReport, error) {
	entries, err := s.AuditTrail(ctx, id)
	if err != nil {
		return ChainReport{}, err
	}
	report := VerifyChain(id, entries)
	if !report.Valid {
		s.logger.Error().Str("record_id", id.String()).Str("reason", report.Reason).Msg("audit chain verification failed")
	}
	return report, nil
}

const complianceBatch = 500

// ComplianceReport computes metrics over every stored record matching f.
func (s *Service) ComplianceReport(ctx context.Context, f RecordFilter) (Metrics, error) {
	var all []*Record
	for offset := 0; ; offset += complianceBatch {
		page, total, err := s.repo.List(ctx, f, complianceBatch, offset)
		if err != nil {
			return Metrics{}, err
		}
		all = append(all, page...)
		if len(page) < complianceBatch || offset+len(page) >= total {
			break
		}
		if err := ctx.Err(); err != nil {
			return Metrics{}, err
		}
	}
	return ComputeMetrics(all, s.clock()), nil
}

// IsNotFound is a convenience for callers that only branch on existence.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
