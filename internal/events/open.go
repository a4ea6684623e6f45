package events

import (
	"context"
	"fmt"
	"strings"

	"bidledger/internal/config"
)

// Open builds the publisher selected by cfg.Driver.
func Open(ctx context.Context, cfg config.EventsConfig) (Publisher, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return Nop{}, nil
	case "redis":
		return NewRedisPublisher(ctx, cfg.Redis)
	case "nats":
		return NewNATSPublisher(cfg.NATS, cfg.SubjectPrefix)
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}
