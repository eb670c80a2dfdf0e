package collector

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// DebugFactory builds the local log destination.
type DebugFactory struct{}

// Identity keys and labels this destination.
func (DebugFactory) Identity() string { return "debug" }

// Build always succeeds.
func (DebugFactory) Build(ctx context.Context) (Handle, error) {
	return debugHandle{}, nil
}

type debugHandle struct{}

func (debugHandle) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	log.Info().Str("component", "collector").Msgf("collected: [%s.%s] %s", e.Entity, e.Topic, body)
	return nil
}

func (debugHandle) Close() {}
