package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/ingest/pkg/channels/gochannel"
	"github.com/dukex/ingest/pkg/channels/kafka"
	"github.com/dukex/ingest/pkg/eventbus"
)

// NewEventBus creates the completion notification bus: kafka, gochannel or none.
func NewEventBus(provider, brokers string, logger *slog.Logger) (eventbus.EventBus, error) {
	wlogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wlogger, kafka.ParseBrokers(brokers), "ingest")
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub), nil
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(wlogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create go channel pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub), nil
	case "none", "":
		return eventbus.Noop{}, nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q", provider)
	}
}
