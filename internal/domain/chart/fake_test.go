package chart

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/charting/internal/platform/renderer"
)

// -- In-memory store --

// memStore implements Repository and Transactor. WithinTx serialises
// transactions and restores the previous contents when fn fails.
type memStore struct {
	mu      sync.Mutex
	txMu    sync.Mutex
	records map[uuid.UUID]*Record
	audit   map[uuid.UUID][]*AuditEntry
	addenda map[uuid.UUID][]*AddendumEntry
	seq     int64

	failAppend error
	casCalls   int
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[uuid.UUID]*Record),
		audit:   make(map[uuid.UUID][]*AuditEntry),
		addenda: make(map[uuid.UUID][]*AddendumEntry),
	}
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	records := make(map[uuid.UUID]*Record, len(m.records))
	for k, v := range m.records {
		records[k] = v
	}
	audit := make(map[uuid.UUID][]*AuditEntry, len(m.audit))
	for k, v := range m.audit {
		audit[k] = append([]*AuditEntry(nil), v...)
	}
	addenda := make(map[uuid.UUID][]*AddendumEntry, len(m.addenda))
	for k, v := range m.addenda {
		addenda[k] = append([]*AddendumEntry(nil), v...)
	}
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.records, m.audit, m.addenda = records, audit, addenda
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r.clone()
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *memStore) List(_ context.Context, f RecordFilter, limit, offset int) ([]*Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Record
	for _, r := range m.records {
		if f.OwnerID != nil && r.OwnerID != *f.OwnerID {
			continue
		}
		if f.SubjectID != nil && r.SubjectID != *f.SubjectID {
			continue
		}
		if f.State != nil && r.State != *f.State {
			continue
		}
		all = append(all, r.clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) CompareAndSwap(_ context.Context, next *Record, expectedState State, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.casCalls++
	cur, ok := m.records[next.ID]
	if !ok || cur.State != expectedState || cur.Version != expectedVersion {
		return ErrConcurrencyConflict
	}
	m.records[next.ID] = next.clone()
	return nil
}

func (m *memStore) AppendAudit(_ context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return m.failAppend
	}
	m.seq++
	e.Seq = m.seq
	cp := *e
	m.audit[e.RecordID] = append(m.audit[e.RecordID], &cp)
	return nil
}

func (m *memStore) LastAudit(_ context.Context, recordID uuid.UUID) (*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.audit[recordID]
	if len(entries) == 0 {
		return nil, nil
	}
	cp := *entries[len(entries)-1]
	return &cp, nil
}

func (m *memStore) ListAudit(_ context.Context, recordID uuid.UUID) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AuditEntry, 0, len(m.audit[recordID]))
	for _, e := range m.audit[recordID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) CreateAddendum(_ context.Context, a *AddendumEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.addenda[a.RecordID] = append(m.addenda[a.RecordID], &cp)
	return nil
}

func (m *memStore) ListAddenda(_ context.Context, recordID uuid.UUID) ([]*AddendumEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AddendumEntry, 0, len(m.addenda[recordID]))
	for _, a := range m.addenda[recordID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// put stores rec directly, bypassing the engine.
func (m *memStore) put(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec.clone()
}

// -- Renderer stubs --

type stubRenderer struct {
	mu        sync.Mutex
	err       error
	delay     time.Duration
	calls     int
	last      renderer.Snapshot
	discarded []string
}

func (s *stubRenderer) Render(ctx context.Context, recordID uuid.UUID, snap renderer.Snapshot, _ time.Duration) (*renderer.Document, error) {
	s.mu.Lock()
	s.calls++
	s.last = snap
	err, delay := s.err, s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &renderer.Document{URL: "https://docs.example.test/" + recordID.String() + ".pdf"}, nil
}

func (s *stubRenderer) Discard(_ context.Context, doc *renderer.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = append(s.discarded, doc.URL)
	return nil
}

var errRenderDown = errors.New("render backend down")

// -- Fixtures --

var (
	testNow   = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	physician = Actor{Name: "Dr. Rivera", Role: "physician"}
	superv    = Actor{Name: "Dr. Okafor", Role: "supervisor"}
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	store    *memStore
	render   *stubRenderer
	clock    *fixedClock
	svc      *Service
	subject  uuid.UUID
	ownerID  uuid.UUID
	renderTO time.Duration
}

func newHarness() *harness {
	h := &harness{
		store:    newMemStore(),
		render:   &stubRenderer{},
		clock:    &fixedClock{t: testNow},
		subject:  uuid.New(),
		ownerID:  uuid.New(),
		renderTO: 200 * time.Millisecond,
	}
	h.svc = NewService(h.store, h.store,
		WithRenderer(h.render, h.renderTO),
		WithClock(h.clock.now))
	return h
}

func sampleContent() NoteContent {
	return NoteContent{
		Subjective: "Cough for three days.",
		Objective:  "Lungs clear.",
		Assessment: "Viral URI.",
		Plan:       "Fluids and rest.",
	}
}

// draft creates a Draft record through the engine.
func (h *harness) draft(cosign bool) *Record {
	ended := h.clock.now().Add(-time.Hour)
	rec, err := h.svc.CreateDraft(context.Background(), DraftInput{
		SubjectID:        h.subject,
		OwnerID:          h.ownerID,
		Content:          sampleContent(),
		CosignRequired:   cosign,
		EncounterEndedAt: &ended,
	})
	if err != nil {
		panic(err)
	}
	return rec
}

// auditActions lists the stored audit actions for id in order.
func (h *harness) auditActions(id uuid.UUID) []Action {
	entries, _ := h.store.ListAudit(context.Background(), id)
	out := make([]Action, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}
