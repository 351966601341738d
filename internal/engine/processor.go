package engine

import (
	"context"
	"time"

	"github.com/confmatch/confmatch-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Processor drives scheduled matching passes in the background.
type Processor struct {
	orchestrator *Orchestrator
	passInterval time.Duration // Time between matching passes
}

func NewProcessor(orchestrator *Orchestrator, passInterval time.Duration) *Processor {
	return &Processor{
		orchestrator: orchestrator,
		passInterval: passInterval,
	}
}

// Start begins the matching pass loop. It blocks until the context is
// cancelled, so callers run it in its own goroutine.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "matching_processor").Logger()
	logger.Info().Dur("pass_interval", p.passInterval).Msg("starting matching processor")

	ticker := time.NewTicker(p.passInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down matching processor")
			return
		case <-ticker.C:
			if _, err := p.orchestrator.RunPass(types.TriggerPassScheduler); err != nil {
				logger.Error().Err(err).Msg("failed to run matching pass")
			}
		}
	}
}
