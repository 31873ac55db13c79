package sqsio

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Reader polls a queue and emits every received message to its message
// listeners. With a visibility window configured it also emits an expiring
// event shortly before a message would become visible again.
type Reader struct {
	svc      Service
	config   ReaderConfig
	logger   *zap.Logger
	metrics  *readerMetrics
	inFlight *semaphore.Weighted
	expiries *expiryTracker

	messages listeners[*Message]
	expiring listeners[*Message]
	errors   errorEmitter

	mu     sync.Mutex
	ticker *clock.Ticker
	stop   chan struct{}

	// Functions
	receiveFn func()
}

// NewReader validates config and returns a Reader for config.QueueURL. If
// config.StartPolling is set, polling starts before NewReader returns.
func NewReader(svc Service, config ReaderConfig) (*Reader, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, ErrNilService
	}

	logger := config.Logger.With(
		zap.String("component", "sqsio-reader"),
		zap.String("queue_url", config.QueueURL),
	)
	r := &Reader{
		svc:      svc,
		config:   config,
		logger:   logger,
		metrics:  newReaderMetrics(config.Registerer, config.QueueURL),
		inFlight: semaphore.NewWeighted(int64(config.MaxInFlightPolls)),
		errors:   errorEmitter{logger: logger},
	}
	r.expiries = newExpiryTracker(config.Clock, config.ExpiryLead, r.metrics.trackedExpiry, r.emitExpiring)
	r.receiveFn = r.receive

	if config.StartPolling {
		r.Start()
	}
	return r, nil
}

// OnMessage registers fn to be called with every received message, in the
// order the queue returned them.
func (r *Reader) OnMessage(fn func(*Message)) {
	r.messages.add(fn)
}

// OnExpiring registers fn to be called when a message's visibility timeout
// is about to lapse. The notification is advisory, the message is neither
// deleted nor extended.
func (r *Reader) OnExpiring(fn func(*Message)) {
	r.expiring.add(fn)
}

// OnError registers fn to be called with every remote-call failure.
func (r *Reader) OnError(fn func(error)) {
	r.errors.add(fn)
}

// Start issues a receive immediately and then one per poll interval until
// Stop is called. Calling Start on a polling Reader does nothing.
//
// A tick is skipped while MaxInFlightPolls receives started by the poller
// are still outstanding.
func (r *Reader) Start() {
	r.mu.Lock()
	if r.ticker != nil {
		r.mu.Unlock()
		return
	}
	r.ticker = r.config.Clock.Ticker(r.config.PollInterval)
	r.stop = make(chan struct{})
	ticker, stop := r.ticker, r.stop
	r.mu.Unlock()

	r.logger.Info("polling started", zap.Duration("poll_interval", r.config.PollInterval))
	r.poll()
	go r.run(ticker, stop)
}

func (r *Reader) run(ticker *clock.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			r.poll()
		}
	}
}

func (r *Reader) poll() {
	if !r.inFlight.TryAcquire(1) {
		r.metrics.skippedPolls.Inc()
		r.logger.Debug("poll skipped, receive still in flight")
		return
	}
	go func() {
		defer r.inFlight.Release(1)
		r.receiveFn()
	}()
}

// Stop cancels the poll ticker. Receives already issued still complete and
// their messages are still emitted. Expiry timers of emitted messages keep
// running.
func (r *Reader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.ticker = nil
	r.stop = nil
	r.logger.Info("polling stopped")
}

// Polling reports whether the poll ticker is running.
func (r *Reader) Polling() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticker != nil
}

// ReceiveOnce issues a single receive in the background, independent of the
// poll ticker.
func (r *Reader) ReceiveOnce() {
	go r.receiveFn()
}

func (r *Reader) receiveInput() *sqs.ReceiveMessageInput {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(r.config.QueueURL),
		MaxNumberOfMessages: aws.Int64(int64(r.config.PollingSize)),
		WaitTimeSeconds:     aws.Int64(seconds(r.config.WaitTime)),
	}
	if r.config.Visibility > 0 {
		input.VisibilityTimeout = aws.Int64(seconds(r.config.Visibility))
	}
	if len(r.config.AttributeNames) > 0 {
		input.AttributeNames = aws.StringSlice(r.config.AttributeNames)
	}
	if len(r.config.MessageAttributeNames) > 0 {
		input.MessageAttributeNames = aws.StringSlice(r.config.MessageAttributeNames)
	}
	return input
}

func (r *Reader) receive() {
	result, err := r.svc.ReceiveMessage(r.receiveInput())
	if err != nil {
		r.metrics.receives.WithLabelValues(resultError).Inc()
		err = errorf(err, "unable to receive message(s) from queue %q", r.config.QueueURL)
		r.logger.Warn("receive failed", zap.Error(err))
		r.errors.emitError(err)
		return
	}
	r.metrics.receives.WithLabelValues(resultOK).Inc()

	if result == nil || len(result.Messages) == 0 {
		return
	}
	r.logger.Debug("received messages", zap.Int("count", len(result.Messages)))
	r.metrics.received.Add(float64(len(result.Messages)))

	for _, raw := range result.Messages {
		m := r.BuildMessage(raw)
		if m == nil {
			continue
		}
		r.messages.emit(m)
	}
}

// BuildMessage decorates a raw message with Ack and ExtendTimeout and, when
// a visibility window is configured, arms its expiry timer. Bodies that fail
// to parse as JSON are left as the raw string.
func (r *Reader) BuildMessage(raw *sqs.Message) *Message {
	if raw == nil {
		return nil
	}
	m := &Message{
		ID:            aws.StringValue(raw.MessageId),
		ReceiptHandle: aws.StringValue(raw.ReceiptHandle),
		Body:          aws.StringValue(raw.Body),
		Raw:           raw,
		reader:        r,
	}
	if r.config.ParseJSON {
		var v interface{}
		if err := json.Unmarshal([]byte(aws.StringValue(raw.Body)), &v); err == nil {
			m.Body = v
		} else {
			r.logger.Debug("message body is not JSON", zap.String("message_id", m.ID), zap.Error(err))
		}
	}
	if r.config.Visibility > 0 {
		r.expiries.arm(m, r.config.Visibility)
	}
	return m
}

// Purge deletes every message in the queue. Buffers and timers are not
// affected.
func (r *Reader) Purge() error {
	_, err := r.svc.PurgeQueue(&sqs.PurgeQueueInput{QueueUrl: aws.String(r.config.QueueURL)})
	if err != nil {
		err = errorf(err, "could not purge queue %q", r.config.QueueURL)
		r.logger.Warn("purge failed", zap.Error(err))
		r.errors.emitError(err)
		return err
	}
	r.logger.Info("queue purged")
	return nil
}

// Tracked returns the number of messages with an armed expiry timer.
func (r *Reader) Tracked() int {
	return r.expiries.len()
}

func (r *Reader) ack(m *Message) error {
	_, err := r.svc.DeleteMessage(&sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.config.QueueURL),
		ReceiptHandle: aws.String(m.ReceiptHandle),
	})
	if err != nil {
		err = errorf(err, "could not delete message %q", m.ID)
		r.logger.Warn("ack failed", zap.Error(err))
		r.errors.emitError(err)
		return err
	}
	r.expiries.cancel(m)
	r.metrics.acked.Inc()
	return nil
}

func (r *Reader) extend(m *Message, d time.Duration) error {
	if d < 0 || d > SQSMaxVisibilityTimeout {
		return errorf(ErrInvalidVisibility, "cannot extend message %q by %s", m.ID, d)
	}
	_, err := r.svc.ChangeMessageVisibility(&sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(r.config.QueueURL),
		ReceiptHandle:     aws.String(m.ReceiptHandle),
		VisibilityTimeout: aws.Int64(seconds(d)),
	})
	if err != nil {
		err = errorf(err, "could not change visibility of message %q", m.ID)
		r.logger.Warn("extend failed", zap.Error(err))
		r.errors.emitError(err)
		return err
	}
	if d == 0 {
		r.expiries.cancel(m)
		return nil
	}
	r.expiries.arm(m, d)
	return nil
}

func (r *Reader) emitExpiring(m *Message) {
	r.metrics.expiring.Inc()
	r.logger.Debug("message visibility expiring", zap.String("message_id", m.ID))
	r.expiring.emit(m)
}
