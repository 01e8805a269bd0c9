package alert

import (
	"context"
	"encoding/json"
	"log"
	"os"
)

const sinkQueueSize = 256

// appendLog is the newline-delimited JSON alert log required by spec
// §4.E sink 1: no timestamp/file prefix, so every line is a standalone
// JSON object a downstream log shipper can parse on its own.
var appendLog = log.New(os.Stdout, "", 0)

// sink is one stage of the fan-out: a name for logging and a function
// that delivers the alert.
type sink struct {
	name    string
	deliver func(ctx context.Context, a *Alert)
	queue   chan *Alert
}

// Emitter fans an alert out to the log, the store, the dashboard, the
// NATS republish sink, and every notifier, enqueued in that fixed order. Each sink owns its own bounded,
// tail-drop queue and worker goroutine, so a slow webhook can never
// block detection or any other sink.
type Emitter struct {
	sinks []*sink
	done  chan struct{}
}

// NewEmitter builds an Emitter. store, dashboard, and natsSink may be
// nil to disable that stage; notifiers may be an empty registry.
func NewEmitter(store *Store, dashboard *DashboardPusher, natsSink *NATSSink, notifiers *NotifierRegistry) *Emitter {
	e := &Emitter{done: make(chan struct{})}

	e.addSink("log", func(ctx context.Context, a *Alert) {
		line, err := json.Marshal(a)
		if err != nil {
			log.Printf("[Alert] failed to marshal alert %s for append log: %v", a.ID, err)
			return
		}
		appendLog.Println(string(line)) // warning level: every alert
		if a.Confidence > 0.8 {
			appendLog.Println(string(line)) // critical level: additionally for high-confidence hits
		}
	})

	if store != nil {
		e.addSink("store", func(ctx context.Context, a *Alert) {
			if err := store.Save(ctx, a); err != nil {
				log.Printf("[Alert] store sink failed for %s: %v", a.ID, err)
			}
		})
	}

	if dashboard != nil {
		e.addSink("dashboard", func(ctx context.Context, a *Alert) {
			if err := dashboard.Notify(ctx, a); err != nil {
				log.Printf("[Alert] dashboard sink failed for %s: %v", a.ID, err)
			}
		})
	}

	if natsSink != nil {
		e.addSink("nats", func(ctx context.Context, a *Alert) {
			if err := natsSink.Notify(ctx, a); err != nil {
				log.Printf("[Alert] nats sink failed for %s: %v", a.ID, err)
			}
		})
	}

	if notifiers != nil {
		e.addSink("notifiers", func(ctx context.Context, a *Alert) {
			notifiers.NotifyAll(ctx, a)
		})
	}

	return e
}

func (e *Emitter) addSink(name string, deliver func(ctx context.Context, a *Alert)) {
	s := &sink{name: name, deliver: deliver, queue: make(chan *Alert, sinkQueueSize)}
	e.sinks = append(e.sinks, s)
	go e.runSink(s)
}

func (e *Emitter) runSink(s *sink) {
	for {
		select {
		case a, ok := <-s.queue:
			if !ok {
				return
			}
			s.deliver(context.Background(), a)
		case <-e.done:
			return
		}
	}
}

// Emit enqueues a onto every sink's queue. A full queue drops the alert
// for that sink only — never blocking other sinks or the caller.
func (e *Emitter) Emit(a *Alert) {
	for _, s := range e.sinks {
		select {
		case s.queue <- a:
		default:
			log.Printf("[Alert] sink %s queue full, dropping alert %s", s.name, a.ID)
		}
	}
}

// Close stops every sink worker. Already-queued alerts are not drained;
// callers that need a graceful drain should stop producing and allow the
// queues to empty before calling Close.
func (e *Emitter) Close() {
	close(e.done)
}
