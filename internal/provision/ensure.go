package provision

import (
	"context"
	"fmt"

	"github.com/piwi3910/trafficweave/internal/onem2m"
)

// Resolver is the subset of broker operations the discover-or-create
// helper needs. *onem2m.Connection implements it.
type Resolver interface {
	Discover(ctx context.Context, filters onem2m.Filters) ([]string, error)
	Retrieve(ctx context.Context, k onem2m.Kind) error
	Create(ctx context.Context, k onem2m.Kind) error
}

// Ensure resolves the resource matching filters, creating it from build()
// only when discovery finds nothing. A create that loses a race to another
// client (ErrConflict) falls back to discover and retrieve. The boolean
// reports whether this call created the resource.
func Ensure[K onem2m.Kind](ctx context.Context, r Resolver, filters onem2m.Filters, build func() K) (K, bool, error) {
	var zero K

	ids, err := r.Discover(ctx, filters)
	if err != nil {
		return zero, false, fmt.Errorf("failed to discover %s %q: %w", filters.Type, filters.Name, err)
	}

	if len(ids) == 0 {
		k := build()
		err := r.Create(ctx, k)
		if err == nil {
			return k, true, nil
		}
		if !onem2m.IsConflict(err) {
			return zero, false, fmt.Errorf("failed to create %s %q: %w", filters.Type, k.Meta().Name, err)
		}

		ids, err = r.Discover(ctx, filters)
		if err != nil {
			return zero, false, fmt.Errorf("failed to rediscover %s %q: %w", filters.Type, filters.Name, err)
		}
		if len(ids) == 0 {
			return zero, false, fmt.Errorf("%s %q exists but is not discoverable: %w", filters.Type, filters.Name, onem2m.ErrConflict)
		}
	}

	k := build()
	k.Meta().ID = ids[0]
	if err := r.Retrieve(ctx, k); err != nil {
		return zero, false, fmt.Errorf("failed to retrieve %s %s: %w", filters.Type, ids[0], err)
	}
	return k, false, nil
}
