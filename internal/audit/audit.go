// Package audit appends completed missions and periodic performance
// counters to an offline ledger: Firestore if configured, a local
// JSON-lines file otherwise, or nothing at all if neither is
// available. Writes are best-effort and asynchronous; the server never
// reads the ledger back, so audit outages never affect dispatch or
// liveness (spec.md §12.3/§13).
package audit

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"cloud.google.com/go/firestore"
)

// MissionRecord is one completed mission's ledger entry.
type MissionRecord struct {
	MissionID    string        `json:"mission_id" firestore:"mission_id"`
	DroneID      string        `json:"drone_id" firestore:"drone_id"`
	IncidentX    int           `json:"incident_x" firestore:"incident_x"`
	IncidentY    int           `json:"incident_y" firestore:"incident_y"`
	WaitDuration time.Duration `json:"wait_duration_ns" firestore:"wait_duration_ns"`
	CompletedAt  time.Time     `json:"completed_at" firestore:"completed_at"`
}

// CounterSnapshot is a periodic dump of the dispatcher's running
// totals, for offline throughput analysis.
type CounterSnapshot struct {
	TotalAssigned int           `json:"total_assigned" firestore:"total_assigned"`
	TotalWait     time.Duration `json:"total_wait_ns" firestore:"total_wait_ns"`
	Timestamp     time.Time     `json:"timestamp" firestore:"timestamp"`
}

type entry struct {
	mission *MissionRecord
	counter *CounterSnapshot
}

// Ledger drains a channel of mission/counter entries in the
// background and writes them to whichever sink is available.
type Ledger struct {
	entries chan entry
	done    chan struct{}
	client  *firestore.Client
	file    *os.File
	enc     *json.Encoder
	log     *log.Logger
}

const queueDepth = 256

// New constructs a Ledger. Preference order: Firestore (if projectID
// is non-empty and the client can be created), else a local
// JSON-lines file at localPath (if non-empty and openable), else a
// single log line noting audit is disabled and every write is a no-op.
func New(ctx context.Context, projectID, localPath string, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.Default()
	}
	l := &Ledger{entries: make(chan entry, queueDepth), done: make(chan struct{}), log: logger}

	if projectID != "" {
		client, err := firestore.NewClient(ctx, projectID)
		if err != nil {
			logger.Printf("[AUDIT] failed to create firestore client: %v", err)
		} else {
			l.client = client
			go l.drainFirestore(ctx)
			return l
		}
	}

	if localPath != "" {
		f, err := os.OpenFile(localPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Printf("[AUDIT] failed to open local ledger %s: %v", localPath, err)
		} else {
			l.file = f
			l.enc = json.NewEncoder(f)
			go l.drainLocal()
			return l
		}
	}

	logger.Printf("[AUDIT] no firestore project or local path configured, audit disabled")
	go l.drainDiscard()
	return l
}

// RecordMission enqueues a completed mission for the ledger.
func (l *Ledger) RecordMission(r MissionRecord) {
	if l == nil {
		return
	}
	r.CompletedAt = time.Now()
	select {
	case l.entries <- entry{mission: &r}:
	default:
		l.log.Printf("[AUDIT] dropped mission record %s, queue full", r.MissionID)
	}
}

// RecordCounters enqueues a dispatcher counter snapshot.
func (l *Ledger) RecordCounters(c CounterSnapshot) {
	if l == nil {
		return
	}
	c.Timestamp = time.Now()
	select {
	case l.entries <- entry{counter: &c}:
	default:
		l.log.Printf("[AUDIT] dropped counter snapshot, queue full")
	}
}

func (l *Ledger) drainDiscard() {
	defer close(l.done)
	for range l.entries {
	}
}

func (l *Ledger) drainLocal() {
	defer close(l.done)
	for e := range l.entries {
		var err error
		switch {
		case e.mission != nil:
			err = l.enc.Encode(e.mission)
		case e.counter != nil:
			err = l.enc.Encode(e.counter)
		}
		if err != nil {
			l.log.Printf("[AUDIT] local write failed: %v", err)
		}
	}
}

func (l *Ledger) drainFirestore(ctx context.Context) {
	defer close(l.done)
	missions := l.client.Collection("missions")
	counters := l.client.Collection("dispatch_counters")
	for e := range l.entries {
		switch {
		case e.mission != nil:
			if _, err := missions.Doc(e.mission.MissionID).Set(ctx, e.mission); err != nil {
				l.log.Printf("[AUDIT] firestore write failed for mission %s: %v", e.mission.MissionID, err)
			}
		case e.counter != nil:
			docID := e.counter.Timestamp.Format(time.RFC3339Nano)
			if _, err := counters.Doc(docID).Set(ctx, e.counter); err != nil {
				l.log.Printf("[AUDIT] firestore write failed for counter snapshot: %v", err)
			}
		}
	}
}

// Close stops accepting new entries, waits for the drain goroutine to
// finish writing anything already queued, and releases any open sink.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	close(l.entries)
	<-l.done
	if l.file != nil {
		return l.file.Close()
	}
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}
