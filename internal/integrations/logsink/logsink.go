// Package logsink logs every host update line through the structured
// logger. It is the console observer of the daemon.
package logsink

import (
	"context"

	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/watch"
)

// Sink is a publisher subscriber writing updates to a logger.
type Sink struct {
	logger *logging.Logger
}

// New creates a sink. A nil logger selects the package default.
func New(logger *logging.Logger) *Sink {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sink{logger: logger.WithComponent("updates")}
}

// Name implements publisher.Subscriber.
func (s *Sink) Name() string {
	return "log"
}

// Deliver logs one line per port update.
func (s *Sink) Deliver(ctx context.Context, update *watch.HostUpdate) error {
	for _, line := range update.Lines() {
		s.logger.InfoContext(ctx, line,
			"host", update.Host,
			"type", update.Type,
			"cycle", update.Cycle)
	}
	return nil
}
