package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowpbx/takeback/internal/database/models"
)

// ErrNoNumbers is returned by Seed when either number list is empty.
var ErrNoNumbers = errors.New("gateway and routing numbers are required")

// PairWriter provisions pairs.
type PairWriter interface {
	Put(ctx context.Context, key models.PairKey) error
}

// Seed provisions every combination of gateway and routing number as an
// available pair. Pairs that already exist keep their current state, so
// seeding is safe to repeat. It returns the number of pairs written.
func Seed(ctx context.Context, w PairWriter, gatewayNumbers, routingNumbers []string) (int, error) {
	gateways := cleanNumbers(gatewayNumbers)
	routings := cleanNumbers(routingNumbers)
	if len(gateways) == 0 || len(routings) == 0 {
		return 0, ErrNoNumbers
	}

	n := 0
	for _, g := range gateways {
		for _, r := range routings {
			key := models.PairKey{GatewayNumber: g, RoutingNumber: r}
			if err := w.Put(ctx, key); err != nil {
				return n, fmt.Errorf("seeding pair %s/%s: %w", g, r, err)
			}
			n++
		}
	}

	slog.Info("number pairs seeded", "count", n)
	return n, nil
}

// cleanNumbers trims whitespace and drops empty and duplicate entries while
// preserving order.
func cleanNumbers(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
