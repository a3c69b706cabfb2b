package remote

import (
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/roach88/diagramsync/internal/bus"
	"github.com/roach88/diagramsync/internal/stomp"
)

// Inbound topics.
const (
	TopicDiagramData    = "/topic/diagramData"
	TopicDiagrams       = "/topic/diagrams"
	TopicDiagramsUpdate = "/topic/diagrams/update"
	TopicErrors         = "/topic/errors"
)

// Topics lists the startup subscriptions in subscription order.
var Topics = []string{TopicDiagramData, TopicDiagrams, TopicErrors, TopicDiagramsUpdate}

// Wire subscribes b to the diagram topics and maps them onto hub events.
// Snapshots and partial updates both become bus.EventDiagramData, so the
// session reconciles them along one path. Every successful connect also
// asks the server for a fresh diagram list.
func Wire(b *bus.Bus, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "wire")

	routes := []struct {
		topic string
		event string
		json  bool
	}{
		{TopicDiagramData, bus.EventDiagramData, true},
		{TopicDiagrams, bus.EventDiagramsData, true},
		{TopicErrors, bus.EventServerError, false},
		{TopicDiagramsUpdate, bus.EventDiagramData, true},
	}

	for _, r := range routes {
		r := r
		err := b.Subscribe(r.topic, func(f stomp.Frame) error {
			if r.json && !gjson.ValidBytes(f.Body) {
				return fmt.Errorf("%s: body is not valid JSON", r.topic)
			}
			b.Emit(bus.Event{
				Name:        r.event,
				Destination: r.topic,
				Headers:     f.Headers,
				Body:        f.Body,
			})
			return nil
		})
		if err != nil {
			return err
		}
	}

	b.Hub().On(bus.EventServerError, func(e bus.Event) {
		logger.Warn("server error", "body", string(e.Body))
	})
	b.Hub().On(bus.EventConnected, func(bus.Event) {
		if err := b.Publish(DestinationPrefix+TypeGetDiagrams, map[string]bool{"forceRefresh": true}); err != nil {
			logger.Info("refresh request failed", "error", err)
		}
	})
	return nil
}
