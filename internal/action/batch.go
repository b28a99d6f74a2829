package action

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Reporter receives the error of every action that fails inside a batch.
type Reporter interface {
	Report(a Action, err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(a Action, err error)

func (f ReporterFunc) Report(a Action, err error) { f(a, err) }

// LogReporter logs failures at Error.
func LogReporter(log *zap.Logger) Reporter {
	return ReporterFunc(func(a Action, err error) {
		log.Error("action failed", a.fields(zap.Error(err))...)
	})
}

// Batch is an ordered list of actions executed one by one.
type Batch struct {
	actions []Action
}

// NewBatch returns a batch holding actions.
func NewBatch(actions ...Action) *Batch {
	b := &Batch{}
	b.Add(actions...)
	return b
}

// Add appends actions.
func (b *Batch) Add(actions ...Action) { b.actions = append(b.actions, actions...) }

// Append appends every action of other, keeping order.
func (b *Batch) Append(other *Batch) {
	if other != nil {
		b.Add(other.actions...)
	}
}

func (b *Batch) Len() int { return len(b.actions) }

// Actions returns a copy of the queued actions.
func (b *Batch) Actions() []Action { return append([]Action(nil), b.actions...) }

// Execute applies the actions in order. A failing action is handed to r and execution continues.
// It returns the number of failures.
func (b *Batch) Execute(ctx context.Context, env *Env, r Reporter) int {
	failed := 0
	for _, a := range b.actions {
		if err := apply(ctx, env, a); err != nil {
			failed++
			if r != nil {
				r.Report(a, err)
			}
		}
	}
	return failed
}

func apply(ctx context.Context, env *Env, a Action) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panicked: %v", a, rec)
		}
	}()
	return a.Apply(ctx, env)
}

// MarshalJSON renders the batch as an array of actions.
func (b *Batch) MarshalJSON() ([]byte, error) {
	if b.actions == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(b.actions)
}
