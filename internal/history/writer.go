package history

import (
	"sync"
	"time"

	"github.com/mindwolf80/nice/internal/engine"
)

// outcomeRecord is one device outcome queued for persistence.
type outcomeRecord struct {
	runID    string
	position int
	outcome  engine.DeviceOutcome
}

// Writer persists device outcomes asynchronously so a slow disk never
// stalls the run. Outcomes are batched and flushed on an interval; if the
// queue fills up the newest record is dropped rather than blocking.
type Writer struct {
	store         *Store
	ch            chan outcomeRecord
	stop          chan struct{}
	flushInterval time.Duration
	batchSize     int
	wg            sync.WaitGroup
}

// NewWriter starts a Writer flushing to store.
func NewWriter(store *Store, flushInterval time.Duration, batchSize int) *Writer {
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	w := &Writer{
		store:         store,
		ch:            make(chan outcomeRecord, batchSize*4),
		stop:          make(chan struct{}),
		flushInterval: flushInterval,
		batchSize:     batchSize,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Write queues one device outcome. Never blocks.
func (w *Writer) Write(runID string, position int, outcome engine.DeviceOutcome) {
	select {
	case w.ch <- outcomeRecord{runID: runID, position: position, outcome: outcome}:
	default:
	}
}

// Close flushes pending records and stops the writer.
func (w *Writer) Close() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Writer) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	batch := make([]outcomeRecord, 0, w.batchSize)
	flush := func() {
		for _, rec := range batch {
			_ = w.store.InsertOutcome(rec.runID, rec.position, rec.outcome)
		}
		batch = batch[:0]
	}
	for {
		select {
		case rec := <-w.ch:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			if len(batch) > 0 {
				flush()
			}
		case <-w.stop:
			// Drain anything queued before the final flush.
			for {
				select {
				case rec := <-w.ch:
					batch = append(batch, rec)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				flush()
			}
			return
		}
	}
}
