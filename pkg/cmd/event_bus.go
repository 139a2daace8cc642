package cmd

import (
	"fmt"
	"log/slog"

	"github.com/voxline/voxline/pkg/eventbus"
)

// NewEventBus picks the bus implementation for a process. The in-process
// channel bus serves single-binary deployments; kafka serves split
// API/engine deployments and reads brokers from KAFKA_BROKERS.
func NewEventBus(provider, serviceName string, logger *slog.Logger) (eventbus.EventBus, error) {
	switch provider {
	case "", "channel":
		return eventbus.NewGoChannelBus(logger), nil
	case "kafka":
		return eventbus.NewKafkaBus(logger, serviceName)
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %q", provider)
	}
}
