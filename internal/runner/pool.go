package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/logs"
)

// PoolOptions bounds a set of execution units.
type PoolOptions struct {
	Concurrency int
	// Timeout applies to each unit separately; zero means no limit.
	Timeout time.Duration
	Logger  *slog.Logger
}

// ForBatch applies the batch's concurrency bound when it sets one.
func (o PoolOptions) ForBatch(b api.Batch) PoolOptions {
	if b.Concurrency > 0 {
		o.Concurrency = b.Concurrency
	}
	return o
}

// UnitFunc executes one unit.
type UnitFunc func(ctx context.Context, unit string) error

// RunUnits runs fn for every unit with at most Concurrency in flight. A
// failing or timed out unit never cancels its siblings; its error is
// returned in the map keyed by unit. RunUnits returns after every unit has
// finished.
func RunUnits(ctx context.Context, units []string, opts PoolOptions, fn UnitFunc) map[string]error {
	log := opts.Logger
	if log == nil {
		log = logs.Discard()
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 1
	}

	var (
		mu       sync.Mutex
		failures = map[string]error{}
	)
	var g errgroup.Group
	g.SetLimit(limit)
	for _, u := range units {
		u := u
		g.Go(func() error {
			if err := runUnit(ctx, u, opts.Timeout, fn); err != nil {
				log.Warn("unit failed", "unit", u, "error", err)
				mu.Lock()
				failures[u] = err
				mu.Unlock()
			}
			// never propagated: one unit must not stop the others
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

func runUnit(ctx context.Context, unit string, timeout time.Duration, fn UnitFunc) (err error) {
	ctx, span := otel.Tracer("recoverybench/runner").Start(ctx, "round.unit")
	defer span.End()
	span.SetAttributes(attribute.String("unit", unit))

	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit %s panicked: %v", unit, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	if err := fn(ctx, unit); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("unit %s timed out after %s: %w", unit, timeout, err)
		}
		return err
	}
	return nil
}

// FailureMessages flattens unit errors for run records.
func FailureMessages(failures map[string]error) map[string]string {
	if len(failures) == 0 {
		return nil
	}
	out := make(map[string]string, len(failures))
	for k, v := range failures {
		out[k] = v.Error()
	}
	return out
}

// Succeeded returns the units that are not in failures, in input order.
func Succeeded(units []string, failures map[string]error) []string {
	var out []string
	for _, u := range units {
		if _, bad := failures[u]; !bad {
			out = append(out, u)
		}
	}
	return out
}

func sortedKeys(m map[string]error) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
