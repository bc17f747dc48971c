package db

import (
	"sync/atomic"
	"time"

	"github.com/kestrel-vision/kestrel/internal/track"
)

const (
	telemetryQueueSize     = 256
	telemetryBatchSize     = 64
	telemetryFlushInterval = time.Second

	// DefaultSampleEvery keeps one servo sample in five. At the 30Hz
	// loop rate that is 6 rows per second per session.
	DefaultSampleEvery = 5
)

type telemetryEvent struct {
	tick       *track.MetadataTick
	transition *transitionEvent
}

type transitionEvent struct {
	from track.Phase
	to   track.Phase
	at   time.Time
}

// TelemetryRecorder adapts the database to the control loop's
// telemetry sink. RecordTick and RecordTransition never block: events
// are queued to a writer goroutine that batches inserts into single
// transactions, and queue overflow drops samples rather than stalling
// a servo cycle. Ticks are decimated; transitions are always kept.
type TelemetryRecorder struct {
	db          *DB
	sessionID   string
	sampleEvery uint64

	// tickCount is touched only by the loop goroutine.
	tickCount uint64

	events  chan telemetryEvent
	stop    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
}

// NewTelemetryRecorder starts the writer goroutine. Callers must
// Close the recorder to flush buffered events. A sampleEvery of zero
// or less uses DefaultSampleEvery; one records every tick.
func NewTelemetryRecorder(database *DB, sessionID string, sampleEvery int) *TelemetryRecorder {
	if sampleEvery <= 0 {
		sampleEvery = DefaultSampleEvery
	}
	r := &TelemetryRecorder{
		db:          database,
		sessionID:   sessionID,
		sampleEvery: uint64(sampleEvery),
		events:      make(chan telemetryEvent, telemetryQueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *TelemetryRecorder) RecordTick(tick track.MetadataTick) {
	r.tickCount++
	if r.tickCount%r.sampleEvery != 0 {
		return
	}
	r.enqueue(telemetryEvent{tick: &tick})
}

func (r *TelemetryRecorder) RecordTransition(from, to track.Phase, at time.Time) {
	r.enqueue(telemetryEvent{transition: &transitionEvent{from: from, to: to, at: at}})
}

func (r *TelemetryRecorder) enqueue(ev telemetryEvent) {
	if r.closed.Load() {
		r.dropped.Add(1)
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports events discarded because the queue was full or the
// recorder was closed.
func (r *TelemetryRecorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Written reports events committed to the database.
func (r *TelemetryRecorder) Written() uint64 {
	return r.written.Load()
}

// Close flushes queued events and stops the writer. Safe to call more
// than once.
func (r *TelemetryRecorder) Close() error {
	if r.closed.Swap(true) {
		<-r.done
		return nil
	}
	close(r.stop)
	<-r.done
	return nil
}

func (r *TelemetryRecorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(telemetryFlushInterval)
	defer ticker.Stop()

	batch := make([]telemetryEvent, 0, telemetryBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.db.writeTelemetryBatch(r.sessionID, batch); err != nil {
			dbLogf("telemetry batch write failed (%d events): %v", len(batch), err)
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
			if len(batch) >= telemetryBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.stop:
			// Drain whatever the producers managed to queue before
			// the close flag was observed.
			for {
				select {
				case ev := <-r.events:
					batch = append(batch, ev)
					if len(batch) >= telemetryBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (db *DB) writeTelemetryBatch(sessionID string, events []telemetryEvent) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sampleStmt, err := tx.Prepare(insertServoSampleSQL)
	if err != nil {
		return err
	}
	defer sampleStmt.Close()

	transitionStmt, err := tx.Prepare(insertTransitionSQL)
	if err != nil {
		return err
	}
	defer transitionStmt.Close()

	for _, ev := range events {
		switch {
		case ev.tick != nil:
			t := ev.tick
			_, err = sampleStmt.Exec(
				sessionID, int64(t.FrameIndex), t.TsUnixMs, t.TsMonoMs, string(t.Phase),
				t.ErrorX, t.ErrorY, t.Coverage,
				t.CommandedPan, t.CommandedTilt, t.CommandedZoom,
			)
		case ev.transition != nil:
			tr := ev.transition
			_, err = transitionStmt.Exec(sessionID, string(tr.from), string(tr.to), tr.at.UnixMilli())
		}
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}
