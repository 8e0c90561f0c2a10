package classifier

import (
	"log/slog"
	"sync"

	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/models"
)

// Pipeline drains raw telemetry from the bus, stamps each event with a
// severity and signal, and republishes it on the classified topic consumed
// by the alert engine.
type Pipeline struct {
	classifier *Classifier
	bus        *bus.Bus
	logger     *slog.Logger

	sub      *bus.Subscription
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPipeline wires a classifier to the bus. Call Start to begin draining.
func NewPipeline(c *Classifier, b *bus.Bus, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		classifier: c,
		bus:        b,
		logger:     logger.With("component", "classifier"),
	}
}

// Start launches the single classification goroutine. Events are classified
// in arrival order so burst counters see a consistent timeline.
func (p *Pipeline) Start() {
	p.sub = p.bus.Subscribe(bus.TopicTelemetryRaw, "classifier", bus.DefaultQueueSize)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for msg := range p.sub.C {
			e, ok := msg.Payload.(*models.Event)
			if !ok {
				p.logger.Warn("Unexpected payload on telemetry topic")
				continue
			}
			res := p.classifier.Classify(e)
			e.Severity = res.Severity
			if res.Signal != "" {
				if e.Data == nil {
					e.Data = make(map[string]any)
				}
				e.Data["signal"] = res.Signal
			}
			p.bus.Publish(bus.TopicEventsClassified, e)
		}
	}()
}

// Stop detaches from the bus and waits for in-flight classification.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		if p.sub != nil {
			p.sub.Unsubscribe()
		}
		p.wg.Wait()
	})
}
