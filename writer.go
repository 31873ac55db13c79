package sqsio

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/benbjohnson/clock"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Writer buffers entries and sends them to the queue in batches. A batch is
// sent as soon as the buffer holds FlushSize entries, or once FlushInterval
// has passed without a new entry being enqueued.
type Writer struct {
	svc     Service
	config  WriterConfig
	logger  *zap.Logger
	metrics *writerMetrics
	errors  errorEmitter

	published listeners[*Entry]
	dropped   listeners[*Entry]

	mu       sync.Mutex
	buffer   []*Entry
	order    map[*Entry]uint64
	nextSeq  uint64
	outbox   [][]*Entry
	sending  bool
	timer    *clock.Timer
	timerGen uint64
	closed   bool
	draining bool
	inFlight sync.WaitGroup

	// Functions
	publishBatchFn func([]*Entry)
	newIDFn        func() string
}

// NewWriter validates config and returns a Writer for config.QueueURL.
func NewWriter(svc Service, config WriterConfig) (*Writer, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, ErrNilService
	}

	logger := config.Logger.With(
		zap.String("component", "sqsio-writer"),
		zap.String("queue_url", config.QueueURL),
	)
	w := &Writer{
		svc:     svc,
		config:  config,
		logger:  logger,
		metrics: newWriterMetrics(config.Registerer, config.QueueURL),
		errors:  errorEmitter{logger: logger},
		order:   make(map[*Entry]uint64),
	}
	w.publishBatchFn = func(ee []*Entry) {
		_, _ = w.PublishBatch(ee)
	}
	w.newIDFn = func() string {
		return uuid.Must(uuid.NewV4()).String()
	}
	return w, nil
}

// OnError registers fn to be called with every remote-call failure,
// including per-entry batch failures reported as *BatchEntryError.
func (w *Writer) OnError(fn func(error)) {
	w.errors.add(fn)
}

// OnPublished registers fn to be called with every batch entry the queue
// accepted.
func (w *Writer) OnPublished(fn func(*Entry)) {
	w.published.add(fn)
}

// OnDropped registers fn to be called with every batch entry that failed
// and will not be sent again.
func (w *Writer) OnDropped(fn func(*Entry)) {
	w.dropped.add(fn)
}

// Publish sends one message right away, bypassing the buffer. QueueUrl
// defaults to the writer's queue.
func (w *Writer) Publish(input *sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
	if input == nil {
		return nil, ErrInvalidMessage
	}
	if aws.StringValue(input.QueueUrl) == "" {
		input.QueueUrl = aws.String(w.config.QueueURL)
	}
	resp, err := w.svc.SendMessage(input)
	if err != nil {
		w.metrics.publishes.WithLabelValues(resultError).Inc()
		err = errorf(err, "could not publish message")
		w.logger.Warn("publish failed", zap.Error(err))
		w.errors.emitError(err)
		return nil, err
	}
	w.metrics.publishes.WithLabelValues(resultOK).Inc()
	return resp, nil
}

// Enqueue appends entries to the buffer in order. It is safe for concurrent
// use by any number of producers. Every call restarts the flush timer; a
// buffer reaching FlushSize is handed to the sender before Enqueue returns,
// without waiting for the send to complete.
func (w *Writer) Enqueue(entries ...*Entry) error {
	for _, e := range entries {
		if e == nil {
			return ErrInvalidMessage
		}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	for _, e := range entries {
		w.nextSeq++
		w.order[e] = w.nextSeq
		w.buffer = append(w.buffer, e)
		if len(w.buffer) >= w.config.FlushSize {
			w.takeBatchLocked()
		}
	}
	if len(w.buffer) > 0 {
		w.armTimerLocked()
	} else {
		w.stopTimerLocked()
	}
	w.metrics.buffered.Set(float64(len(w.buffer)))
	w.mu.Unlock()
	return nil
}

// Flush sends up to FlushSize entries from the head of the buffer as one
// batch. Entries beyond that stay buffered for the next flush. A closed
// Writer ignores Flush.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.stopTimerLocked()
	w.takeBatchLocked()
	if len(w.buffer) > 0 {
		w.armTimerLocked()
	}
	w.metrics.buffered.Set(float64(len(w.buffer)))
}

// Len returns the number of buffered entries.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// PublishBatch assigns an Id to every entry without one and sends the
// entries in a single call. When the call fails as a whole, or the queue
// rejects single entries for reasons other than the sender's fault, those
// entries go back into the buffer ahead of everything enqueued after them,
// unless retry is disabled.
func (w *Writer) PublishBatch(entries []*Entry) (*sqs.SendMessageBatchOutput, error) {
	if len(entries) == 0 || len(entries) > SQSMaxBatchSize {
		return nil, errorf(ErrInvalidMessage, "batch must hold 1 to %d entries, got %d", SQSMaxBatchSize, len(entries))
	}
	for _, e := range entries {
		if e == nil {
			return nil, ErrInvalidMessage
		}
		if aws.StringValue(e.Id) == "" {
			e.Id = aws.String(w.newIDFn())
		}
	}

	resp, err := w.svc.SendMessageBatch(&sqs.SendMessageBatchInput{
		QueueUrl: aws.String(w.config.QueueURL),
		Entries:  entries,
	})
	if err != nil {
		w.metrics.batches.WithLabelValues(resultError).Inc()
		err = errorf(err, "could not publish batch of %d message(s)", len(entries))
		w.logger.Warn("batch publish failed", zap.Error(err), zap.Int("entries", len(entries)))
		w.errors.emitError(err)
		if isRetryableBatchError(err) {
			w.requeue(entries)
		} else {
			w.drop(entries)
		}
		return nil, err
	}
	w.metrics.batches.WithLabelValues(resultOK).Inc()
	w.metrics.sent.Add(float64(len(resp.Successful)))

	byID := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		byID[aws.StringValue(e.Id)] = e
	}
	var sent []*Entry
	for _, r := range resp.Successful {
		if e, ok := byID[aws.StringValue(r.Id)]; ok {
			sent = append(sent, e)
		}
	}
	w.forget(sent)
	for _, e := range sent {
		w.published.emit(e)
	}

	if len(resp.Failed) == 0 {
		return resp, nil
	}

	retryable := make(map[string]bool, len(resp.Failed))
	var rejected []*Entry
	for _, f := range resp.Failed {
		be := &BatchEntryError{
			ID:          aws.StringValue(f.Id),
			Code:        aws.StringValue(f.Code),
			Message:     aws.StringValue(f.Message),
			SenderFault: aws.BoolValue(f.SenderFault),
		}
		w.errors.emitError(be)
		if be.Retryable() {
			retryable[be.ID] = true
		} else if e, ok := byID[be.ID]; ok {
			rejected = append(rejected, e)
		}
	}
	w.logger.Warn("batch entries rejected", zap.Int("failed", len(resp.Failed)), zap.Int("entries", len(entries)))

	var retry []*Entry
	for _, e := range entries {
		if retryable[aws.StringValue(e.Id)] {
			retry = append(retry, e)
		}
	}
	w.drop(rejected)
	w.requeue(retry)
	return resp, nil
}

// Close stops accepting entries, waits for batches already handed to the
// sender and then sends everything still buffered, all until ctx is done.
// Failures during the final drain are not re-buffered; they are emitted and
// returned.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.stopTimerLocked()
	w.mu.Unlock()

	var err error
	done := make(chan struct{})
	go func() {
		w.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errorf(ctx.Err(), "in-flight batches did not finish")
	}

	w.mu.Lock()
	w.draining = true
	pending := w.buffer
	w.buffer = nil
	w.metrics.buffered.Set(0)
	w.mu.Unlock()

	for len(pending) > 0 {
		if ctx.Err() != nil {
			err = multierr.Append(err, errorf(ctx.Err(), "writer closed with %d unsent entries", len(pending)))
			w.drop(pending)
			break
		}
		n := min(w.config.FlushSize, len(pending))
		batch := pending[:n]
		pending = pending[n:]
		resp, perr := w.PublishBatch(batch)
		if perr != nil {
			err = multierr.Append(err, perr)
			continue
		}
		if len(resp.Failed) > 0 {
			err = multierr.Append(err, errorf(nil, "%d of %d entries rejected", len(resp.Failed), len(batch)))
		}
	}
	w.logger.Info("writer closed", zap.Error(err))
	return err
}

// takeBatchLocked moves up to FlushSize entries from the head of the buffer
// to the outbox and makes sure the sender is running.
func (w *Writer) takeBatchLocked() {
	n := min(w.config.FlushSize, len(w.buffer))
	if n == 0 {
		return
	}
	batch := make([]*Entry, n)
	copy(batch, w.buffer[:n])
	w.buffer = w.buffer[n:]
	w.inFlight.Add(1)
	w.outbox = append(w.outbox, batch)
	if !w.sending {
		w.sending = true
		go w.drain()
	}
}

// drain sends outbox batches one at a time, in the order they were taken.
func (w *Writer) drain() {
	for {
		w.mu.Lock()
		if len(w.outbox) == 0 {
			w.sending = false
			w.mu.Unlock()
			return
		}
		batch := w.outbox[0]
		w.outbox = w.outbox[1:]
		w.mu.Unlock()

		w.publishBatchFn(batch)
		w.inFlight.Done()
	}
}

func (w *Writer) armTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerGen++
	gen := w.timerGen
	w.timer = w.config.Clock.AfterFunc(w.config.FlushInterval, func() { w.onTimer(gen) })
}

func (w *Writer) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerGen++
}

func (w *Writer) onTimer(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.timerGen || w.closed {
		// Reset or stopped after this callback was already running.
		return
	}
	w.timer = nil
	w.takeBatchLocked()
	if len(w.buffer) > 0 {
		w.armTimerLocked()
	}
	w.metrics.buffered.Set(float64(len(w.buffer)))
}

// requeue merges failed entries back into the buffer by enqueue order, so
// they land ahead of anything enqueued after them and behind anything
// enqueued before them that is also waiting for a retry.
func (w *Writer) requeue(entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	w.mu.Lock()
	if w.config.DisableRetry || w.draining {
		w.mu.Unlock()
		w.logger.Debug("dropping failed entries", zap.Int("entries", len(entries)))
		w.drop(entries)
		return
	}
	defer w.mu.Unlock()

	w.buffer = w.mergeLocked(entries)
	w.metrics.requeued.Add(float64(len(entries)))
	w.metrics.buffered.Set(float64(len(w.buffer)))
	if w.timer == nil && !w.closed {
		w.armTimerLocked()
	}
}

// mergeLocked merges entries into the buffer. Both are ordered by enqueue
// sequence; entries that never went through Enqueue count as sequence 0
// and sort first.
func (w *Writer) mergeLocked(entries []*Entry) []*Entry {
	merged := make([]*Entry, 0, len(entries)+len(w.buffer))
	i, j := 0, 0
	for i < len(entries) && j < len(w.buffer) {
		if w.order[entries[i]] <= w.order[w.buffer[j]] {
			merged = append(merged, entries[i])
			i++
		} else {
			merged = append(merged, w.buffer[j])
			j++
		}
	}
	merged = append(merged, entries[i:]...)
	return append(merged, w.buffer[j:]...)
}

func (w *Writer) forget(entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range entries {
		delete(w.order, e)
	}
}

func (w *Writer) drop(entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	w.metrics.dropped.Add(float64(len(entries)))
	w.forget(entries)
	for _, e := range entries {
		w.dropped.emit(e)
	}
}

// isRetryableBatchError reports whether a failed SendMessageBatch call can
// succeed when sent again unchanged.
func isRetryableBatchError(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return true
	}
	switch aerr.Code() {
	case sqs.ErrCodeBatchEntryIdsNotDistinct,
		sqs.ErrCodeBatchRequestTooLong,
		sqs.ErrCodeEmptyBatchRequest,
		sqs.ErrCodeInvalidBatchEntryId,
		sqs.ErrCodeTooManyEntriesInBatchRequest,
		sqs.ErrCodeQueueDoesNotExist:
		return false
	}
	return true
}
