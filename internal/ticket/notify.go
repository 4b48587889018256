package ticket

import (
	"log/slog"

	"garagectl/internal/domain"
	"garagectl/internal/events"
)

// PublishCapacity returns an OnCapacity hook that announces the garage
// becoming full and having room again.
func PublishCapacity(pub events.Publisher, log *slog.Logger) func(before, after domain.Capacity) {
	if log == nil {
		log = slog.Default()
	}
	return func(before, after domain.Capacity) {
		var kind events.Kind
		switch {
		case before.Free > 0 && after.Free == 0:
			kind = events.CapacityFull
		case before.Free == 0 && after.Free > 0:
			kind = events.CapacityAvailable
		default:
			return
		}
		if err := pub.Publish(events.Event{Kind: kind, Value: int64(after.Free)}); err != nil {
			log.Warn("capacity event not delivered", "kind", kind.String(), "error", err)
		}
	}
}
