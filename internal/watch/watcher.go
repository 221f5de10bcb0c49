package watch

import (
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/metrics"
	"github.com/anstrom/portwatch/internal/scanning"
)

// Publisher accepts completed updates for fan-out. Publish must not block.
type Publisher interface {
	Publish(update *HostUpdate)
}

// Watcher feeds scan results into the tracker and publishes the resulting
// updates. It is the scheduler's result handler.
type Watcher struct {
	tracker   *Tracker
	publisher Publisher
	logger    *logging.Logger
}

// NewWatcher creates a watcher around tracker and publisher.
func NewWatcher(tracker *Tracker, publisher Publisher, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Watcher{
		tracker:   tracker,
		publisher: publisher,
		logger:    logger.WithComponent("watcher"),
	}
}

// Tracker returns the underlying tracker.
func (w *Watcher) Tracker() *Tracker {
	return w.tracker
}

// HandleResult records result and publishes any update it produces.
func (w *Watcher) HandleResult(result scanning.Result) {
	update := w.tracker.Observe(result)

	up, down := w.tracker.Counts()
	metrics.GetGlobalMetrics().SetHostCounts(up, down)

	if update == nil {
		w.logger.Debug("No change", "host", result.Profile.Host, "cycle", result.Cycle)
		return
	}

	metrics.GetGlobalMetrics().IncrementUpdates(string(update.Type))
	w.logger.Debug("Host update",
		"host", update.Host,
		"type", update.Type,
		"ports", len(update.PortUpdates),
		"cycle", update.Cycle)

	if w.publisher != nil {
		w.publisher.Publish(update)
	}
}
