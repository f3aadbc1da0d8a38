package grant

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jihanki-shop/jihanki/internal/observability"
	"github.com/jihanki-shop/jihanki/internal/observability/logctx"
)

const componentGrant = "entitlement_granter"

// Granter is a stand-in for the chat platform's role assignment. It logs each
// grant and can simulate the platform failing, which the purchase executor
// must absorb as a warning.
type Granter struct {
	mu       sync.Mutex
	random   *rand.Rand
	failRate float64
	log      observability.Logger
}

func New(failRate float64, logger observability.Logger) *Granter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Granter{
		random:   rand.New(rand.NewSource(time.Now().UnixNano())),
		failRate: failRate,
		log:      logger.With(observability.F("component", componentGrant)),
	}
}

func (g *Granter) Grant(ctx context.Context, externalUserID, grantRef string) error {
	logger := logctx.FromOr(ctx, g.log)

	g.mu.Lock()
	failed := g.failRate > 0 && g.random.Float64() < g.failRate
	g.mu.Unlock()

	if failed {
		return fmt.Errorf("grant: platform rejected %s for user %s", grantRef, externalUserID)
	}

	logger.Info("entitlement_granted",
		observability.F("user_id", externalUserID),
		observability.F("grant_ref", grantRef),
	)
	return nil
}
