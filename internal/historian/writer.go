package historian

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fleetgate/gateway/internal/domain"
)

// WriterMetrics is the narrow facet of the metrics collector the writer
// reports batch outcomes to.
type WriterMetrics interface {
	HistorianBatchFlushed(family string, records int)
	HistorianBatchDropped(family string)
}

// WriterConfig sources every tunable from historian.* configuration
// (spec section 6).
type WriterConfig struct {
	QueueSize    int
	BatchSize    int
	BatchTimeout time.Duration
}

// Writer owns three independent bounded channels, one per historian data
// family, each drained by its own batching worker loop (spec section
// 4.9). A batch is flushed either once BatchSize records have queued or
// when the loop's BatchTimeout timer fires. The timer restarts after every
// flush, so it measures time since the previous flush, not since the
// batch's first record.
type Writer struct {
	db      *gorm.DB
	cfg     WriterConfig
	log     zerolog.Logger
	metrics WriterMetrics

	telemetryCh chan domain.TelemetryRecord
	eventCh     chan domain.EventRecord
	qualityCh   chan domain.QualityRecord

	droppedBatches atomic.Uint64
	droppedRecords atomic.Uint64

	wg   sync.WaitGroup
	done chan struct{}
}

// NewWriter wires db to a Writer and starts its three worker loops.
func NewWriter(db *gorm.DB, cfg WriterConfig, log zerolog.Logger) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}

	w := &Writer{
		db:          db,
		cfg:         cfg,
		log:         log,
		telemetryCh: make(chan domain.TelemetryRecord, cfg.QueueSize),
		eventCh:     make(chan domain.EventRecord, cfg.QueueSize),
		qualityCh:   make(chan domain.QualityRecord, cfg.QueueSize),
		done:        make(chan struct{}),
	}

	w.wg.Add(3)
	go w.runTelemetry()
	go w.runEvent()
	go w.runQuality()
	return w
}

// WriteTelemetry enqueues rec with a blocking send: back-pressure from a
// slow writer propagates to the bus fetch loop feeding it (spec section
// 4.9).
func (w *Writer) WriteTelemetry(rec domain.TelemetryRecord) {
	select {
	case w.telemetryCh <- rec:
	case <-w.done:
	}
}

func (w *Writer) WriteEvent(rec domain.EventRecord) {
	select {
	case w.eventCh <- rec:
	case <-w.done:
	}
}

func (w *Writer) WriteQuality(rec domain.QualityRecord) {
	select {
	case w.qualityCh <- rec:
	case <-w.done:
	}
}

// Close stops accepting new records and waits for in-flight batches to
// flush.
func (w *Writer) Close() {
	close(w.done)
	close(w.telemetryCh)
	close(w.eventCh)
	close(w.qualityCh)
	w.wg.Wait()
}

// SetMetrics attaches a metrics collector after construction.
func (w *Writer) SetMetrics(m WriterMetrics) { w.metrics = m }

func (w *Writer) DroppedBatches() uint64 { return w.droppedBatches.Load() }
func (w *Writer) DroppedRecords() uint64 { return w.droppedRecords.Load() }

func (w *Writer) runTelemetry() {
	defer w.wg.Done()
	batch := make([]domain.TelemetryRecord, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flushTelemetry(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-w.telemetryCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.cfg.BatchSize {
				flush()
				resetTimer(timer, w.cfg.BatchTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(w.cfg.BatchTimeout)
		}
	}
}

func (w *Writer) runEvent() {
	defer w.wg.Done()
	batch := make([]domain.EventRecord, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flushEvent(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-w.eventCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.cfg.BatchSize {
				flush()
				resetTimer(timer, w.cfg.BatchTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(w.cfg.BatchTimeout)
		}
	}
}

func (w *Writer) runQuality() {
	defer w.wg.Done()
	batch := make([]domain.QualityRecord, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flushQuality(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-w.qualityCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.cfg.BatchSize {
				flush()
				resetTimer(timer, w.cfg.BatchTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(w.cfg.BatchTimeout)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (w *Writer) flushTelemetry(batch []domain.TelemetryRecord) {
	rows := make([]telemetryRow, len(batch))
	for i, r := range batch {
		rows[i] = toTelemetryRow(r)
	}
	if err := w.insertIgnore(&rows); err != nil {
		if err := w.insertIgnore(&rows); err != nil {
			w.dropBatch("telemetry", len(rows), err)
			return
		}
	}
	if w.metrics != nil {
		w.metrics.HistorianBatchFlushed("telemetry", len(rows))
	}
}

func (w *Writer) flushEvent(batch []domain.EventRecord) {
	rows := make([]eventRow, len(batch))
	for i, r := range batch {
		rows[i] = toEventRow(r)
	}
	if err := w.insertIgnore(&rows); err != nil {
		if err := w.insertIgnore(&rows); err != nil {
			w.dropBatch("event", len(rows), err)
			return
		}
	}
	if w.metrics != nil {
		w.metrics.HistorianBatchFlushed("event", len(rows))
	}
}

func (w *Writer) flushQuality(batch []domain.QualityRecord) {
	rows := make([]qualityRow, len(batch))
	for i, r := range batch {
		rows[i] = toQualityRow(r)
	}
	if err := w.insertIgnore(&rows); err != nil {
		if err := w.insertIgnore(&rows); err != nil {
			w.dropBatch("quality", len(rows), err)
			return
		}
	}
	if w.metrics != nil {
		w.metrics.HistorianBatchFlushed("quality", len(rows))
	}
}

// insertIgnore writes rows in a single transaction using a conflict-ignore
// insert, per spec section 4.9.
func (w *Writer) insertIgnore(rows any) error {
	return w.db.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rows).Error
	})
}

func (w *Writer) dropBatch(family string, size int, err error) {
	w.droppedBatches.Add(1)
	w.droppedRecords.Add(uint64(size))
	w.log.Error().Err(err).Str("family", family).Int("batch_size", size).Msg("historian batch dropped after retry")
	if w.metrics != nil {
		w.metrics.HistorianBatchDropped(family)
	}
}
