// Package telemetry is the fire-and-forget emission boundary named in
// §5's shared-resource policy: telemetry never blocks a critical-path
// caller and never propagates its own failures.
package telemetry

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Event is a single telemetry record. Metadata is free-form so
// callers (training/sampling coordinators) can attach model_id,
// session_id, operation tags, etc. without the reporter needing to
// know their shape.
type Event struct {
	Name     string
	Metadata map[string]interface{}
}

// Reporter accepts telemetry events. Implementations must not block
// the caller for longer than it takes to enqueue the event.
type Reporter interface {
	Report(Event)
}

// DefaultLogRate caps how many telemetry events actually reach the
// log sink per second; this pool is expected to carry high-frequency,
// low-value events (one per chunk dispatched), so the sink itself
// needs its own cap on top of the bounded queue.
const DefaultLogRate = 20

// LogReporter is the default standalone implementation: it logs
// through logrus from a single background worker fed by a bounded
// queue rather than making a real network call, so the module is
// usable without a telemetry backend wired in.
type LogReporter struct {
	log     *logrus.Entry
	events  chan Event
	once    sync.Once
	done    chan struct{}
	limiter *rate.Limiter
	dropped uint64
}

// NewLogReporter starts a single background worker draining events
// into structured log lines. Queue overflow drops events rather than
// blocking, consistent with "fire-and-forget"; a token-bucket limiter
// additionally caps the rate at which drained events become log lines,
// discarding drained events beyond that rate, so a burst of telemetry
// never floods the sink.
func NewLogReporter(log *logrus.Entry, queueSize int) *LogReporter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &LogReporter{
		log:     log.WithField("component", "telemetry"),
		events:  make(chan Event, queueSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(DefaultLogRate), DefaultLogRate),
	}
	go r.run()
	return r
}

func (r *LogReporter) run() {
	defer close(r.done)
	for ev := range r.events {
		if !r.limiter.Allow() {
			r.dropped++
			continue
		}
		fields := logrus.Fields{}
		for k, v := range ev.Metadata {
			fields[k] = v
		}
		r.log.WithFields(fields).Debug(ev.Name)
	}
}

// Report enqueues ev; if the queue is full it drops ev and logs a
// warning instead of blocking.
func (r *LogReporter) Report(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.log.WithField("event", ev.Name).Warn("telemetry queue full, dropping event")
	}
}

// Close stops the background worker after draining pending events.
func (r *LogReporter) Close() {
	r.once.Do(func() { close(r.events) })
	<-r.done
}

// Noop discards every event; used in tests and by callers who opt out
// of telemetry entirely.
type Noop struct{}

func (Noop) Report(Event) {}
