// Package renderer turns a finalized chart snapshot into a document and
// returns where it can be fetched. Rendering is best-effort: callers bound
// it with RenderWithin and treat every failure as recoverable.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnavailable = errors.New("renderer unavailable")
	ErrTimeout     = errors.New("renderer timed out")
)

// Snapshot is the finalized content handed to a renderer.
type Snapshot struct {
	RecordID   uuid.UUID  `json:"record_id"`
	SubjectID  uuid.UUID  `json:"subject_id"`
	OwnerID    uuid.UUID  `json:"owner_id"`
	State      string     `json:"state"`
	Subjective string     `json:"subjective"`
	Objective  string     `json:"objective"`
	Assessment string     `json:"assessment"`
	Plan       string     `json:"plan"`
	SignedBy   string     `json:"signed_by"`
	SignedAt   time.Time  `json:"signed_at"`
	CosignedBy string     `json:"cosigned_by,omitempty"`
	CosignedAt time.Time  `json:"cosigned_at,omitempty"`
	ClosedBy   string     `json:"closed_by"`
	ClosedAt   time.Time  `json:"closed_at"`
	Addenda    []Addendum `json:"addenda,omitempty"`
}

type Addendum struct {
	Kind      string    `json:"kind"`
	Author    string    `json:"author"`
	Reason    string    `json:"reason,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is the result of a successful render. BlobID is set when the
// gateway stored the document itself.
type Document struct {
	URL    string `json:"document_url"`
	BlobID string `json:"-"`
}

// Gateway renders snapshots. Implementations should honour ctx; timeout is
// passed through for renderers that enforce their own deadline.
type Gateway interface {
	Render(ctx context.Context, recordID uuid.UUID, snap Snapshot, timeout time.Duration) (*Document, error)
}

// Discarder is implemented by gateways that keep what they render, so a
// document whose transition never committed can be removed again.
type Discarder interface {
	Discard(ctx context.Context, doc *Document) error
}

// RenderWithin calls g and gives up after timeout even if g ignores its
// context. Every failure wraps ErrUnavailable or ErrTimeout.
func RenderWithin(ctx context.Context, g Gateway, recordID uuid.UUID, snap Snapshot, timeout time.Duration) (*Document, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: no renderer configured", ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		doc *Document
		err error
	}
	done := make(chan result, 1)
	go func() {
		doc, err := g.Render(ctx, recordID, snap, timeout)
		done <- result{doc, err}
	}()

	select {
	case r := <-done:
		switch {
		case errors.Is(r.err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case r.err != nil:
			if errors.Is(r.err, ErrUnavailable) || errors.Is(r.err, ErrTimeout) {
				return nil, r.err
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, r.err)
		case r.doc == nil || r.doc.URL == "":
			return nil, fmt.Errorf("%w: empty document url", ErrUnavailable)
		}
		return r.doc, nil
	case <-ctx.Done():
		if d, ok := g.(Discarder); ok {
			go func() {
				if r := <-done; r.err == nil && r.doc != nil {
					_ = d.Discard(context.WithoutCancel(ctx), r.doc)
				}
			}()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

// Disabled is the gateway used when rendering is switched off.
type Disabled struct{}

func (Disabled) Render(context.Context, uuid.UUID, Snapshot, time.Duration) (*Document, error) {
	return nil, fmt.Errorf("%w: rendering disabled", ErrUnavailable)
}
