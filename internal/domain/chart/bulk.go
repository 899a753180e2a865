package chart

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Lifecycle is the part of the engine the bulk coordinator drives.
type Lifecycle interface {
	Sign(ctx context.Context, id uuid.UUID, actor Actor) (*Result, error)
	Close(ctx context.Context, id uuid.UUID, actor Actor) (*Result, error)
}

// ItemResult is the outcome for one record in a batch.
type ItemResult struct {
	RecordID uuid.UUID     `json:"record_id"`
	OK       bool          `json:"ok"`
	State    State         `json:"state,omitempty"`
	Code     string        `json:"code,omitempty"`
	Error    string        `json:"error,omitempty"`
	Warnings []Warning     `json:"warnings,omitempty"`
	Audit    []*AuditEntry `json:"-"`
}

// BulkResult reports a batch. Results keeps the order of the requested ids.
type BulkResult struct {
	Operation    Operation    `json:"operation"`
	Total        int          `json:"total"`
	SuccessCount int          `json:"success_count"`
	FailureCount int          `json:"failure_count"`
	Results      []ItemResult `json:"results"`
}

// Coordinator applies Sign or Close to many records. Each record commits or
// fails on its own; nothing already applied is rolled back.
type Coordinator struct {
	engine      Lifecycle
	maxParallel int
	maxItems    int
	scope       ItemScope
	logger      zerolog.Logger
}

// ItemScope wraps the work for one batch item. Items run concurrently, so
// the scope must give each its own database connection rather than share
// one pinned to the request.
type ItemScope func(ctx context.Context, fn func(ctx context.Context) error) error

type CoordinatorOption func(*Coordinator)

func WithItemScope(scope ItemScope) CoordinatorOption {
	return func(c *Coordinator) {
		if scope != nil {
			c.scope = scope
		}
	}
}

func NewCoordinator(engine Lifecycle, maxParallel, maxItems int, logger zerolog.Logger, opts ...CoordinatorOption) *Coordinator {
	if maxParallel < 1 {
		maxParallel = 1
	}
	c := &Coordinator{
		engine:      engine,
		maxParallel: maxParallel,
		maxItems:    maxItems,
		scope:       func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) },
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) BulkSign(ctx context.Context, ids []uuid.UUID, actor Actor) (*BulkResult, error) {
	return c.run(ctx, OpSign, ids, actor, c.engine.Sign)
}

func (c *Coordinator) BulkClose(ctx context.Context, ids []uuid.UUID, actor Actor) (*BulkResult, error) {
	return c.run(ctx, OpClose, ids, actor, c.engine.Close)
}

type transitionFunc func(ctx context.Context, id uuid.UUID, actor Actor) (*Result, error)

func (c *Coordinator) run(ctx context.Context, op Operation, ids []uuid.UUID, actor Actor, apply transitionFunc) (*BulkResult, error) {
	if len(ids) == 0 {
		return nil, &ValidationError{Field: "record_ids", Reason: "at least one record id is required"}
	}
	if c.maxItems > 0 && len(ids) > c.maxItems {
		return nil, &ValidationError{Field: "record_ids", Reason: fmt.Sprintf("at most %d records per batch", c.maxItems)}
	}
	if err := actor.validate(); err != nil {
		return nil, err
	}

	// Each goroutine writes only its own slot.
	results := make([]ItemResult, len(ids))
	var g errgroup.Group
	g.SetLimit(c.maxParallel)

	for i, id := range ids {
		// Go blocks while maxParallel items are running, so a cancelled
		// batch stops issuing here.
		if ctx.Err() != nil {
			results[i] = abortedItem(id)
			continue
		}
		i, id := i, id
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = abortedItem(id)
				return nil
			}
			// A started transition runs to completion even if the batch is
			// abandoned meanwhile.
			var res *Result
			err := c.scope(context.WithoutCancel(ctx), func(ctx context.Context) error {
				var err error
				res, err = apply(ctx, id, actor)
				return err
			})
			item := ItemResult{RecordID: id}
			if err != nil {
				item.Code = ErrorCode(err)
				item.Error = err.Error()
			} else {
				item.OK = true
				item.State = res.Record.State
				item.Warnings = res.Warnings
				item.Audit = res.Audit
			}
			results[i] = item
			return nil
		})
	}
	_ = g.Wait()

	out := &BulkResult{Operation: op, Total: len(ids), Results: results}
	for _, r := range results {
		if r.OK {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}
	}
	c.logger.Info().
		Str("op", string(op)).
		Int("total", out.Total).
		Int("succeeded", out.SuccessCount).
		Int("failed", out.FailureCount).
		Str("actor", actor.Name).
		Msg("bulk chart operation finished")
	return out, nil
}

func abortedItem(id uuid.UUID) ItemResult {
	return ItemResult{RecordID: id, Code: CodeBatchAborted, Error: ErrBatchAborted.Error()}
}
