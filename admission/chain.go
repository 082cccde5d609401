// Package admission runs the checks that must pass before a
// resource-consuming operation starts. Each operation has a concrete,
// ordered Chain of stages; any stage can short-circuit with an error.
package admission

import (
	"context"

	"convertapi/models"
)

// Request is what a stage needs to decide. The user id travels explicitly.
type Request struct {
	UserID  string
	IsAdmin bool
	Period  models.Period
	// Bytes is the size of the input that will be processed.
	Bytes int64
}

// Next continues the chain.
type Next func(ctx context.Context, req Request) error

// Stage inspects req and either returns an error or calls next.
type Stage func(ctx context.Context, req Request, next Next) error

// Chain is an ordered list of stages.
type Chain []Stage

// Run executes the stages in order and then final. A stage that returns
// without calling next stops the chain; final then never runs.
func (ch Chain) Run(ctx context.Context, req Request, final Next) error {
	return ch.next(0, final)(ctx, req)
}

func (ch Chain) next(i int, final Next) Next {
	if i == len(ch) {
		return final
	}
	return func(ctx context.Context, req Request) error {
		return ch[i](ctx, req, ch.next(i+1, final))
	}
}
