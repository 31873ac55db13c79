package sqsio

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval  = time.Second
	DefaultPollingSize   = SQSMaxBatchSize
	DefaultExpiryLead    = time.Minute
	DefaultFlushSize     = SQSMaxBatchSize
	DefaultFlushInterval = time.Second * 10
)

// ReaderConfig configures a Reader. Zero values select the defaults.
type ReaderConfig struct {
	// QueueURL of the queue to poll. Required.
	QueueURL string `envconfig:"QUEUE_URL"`

	// Visibility is requested on every receive. Zero leaves the queue
	// default in place and disables expiry tracking.
	Visibility time.Duration `envconfig:"VISIBILITY"`

	PollInterval time.Duration `envconfig:"POLL_INTERVAL"`

	// PollingSize is the maximum number of messages per receive, at most
	// SQSMaxBatchSize.
	PollingSize int `envconfig:"POLLING_SIZE"`

	// WaitTime is the long-poll wait, at most SQSMaxPollTimeout.
	WaitTime time.Duration `envconfig:"WAIT_TIME"`

	AttributeNames        []string `envconfig:"ATTRIBUTE_NAMES"`
	MessageAttributeNames []string `envconfig:"MESSAGE_ATTRIBUTE_NAMES"`

	// ParseJSON decodes message bodies into Message.Body when they are
	// valid JSON.
	ParseJSON bool `envconfig:"PARSE_JSON"`

	// StartPolling makes NewReader call Start.
	StartPolling bool `envconfig:"START_POLLING"`

	// ExpiryLead is how long before the visibility deadline the expiring
	// event fires.
	ExpiryLead time.Duration `envconfig:"EXPIRY_LEAD"`

	// MaxInFlightPolls bounds the receives started by the poll ticker that
	// may be outstanding at once. Ticks beyond the bound are skipped.
	MaxInFlightPolls int `envconfig:"MAX_IN_FLIGHT_POLLS"`

	Clock      clock.Clock           `ignored:"true"`
	Logger     *zap.Logger           `ignored:"true"`
	Registerer prometheus.Registerer `ignored:"true"`
}

func (c ReaderConfig) withDefaults() ReaderConfig {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollingSize <= 0 || c.PollingSize > SQSMaxBatchSize {
		c.PollingSize = DefaultPollingSize
	}
	if c.ExpiryLead == 0 {
		c.ExpiryLead = DefaultExpiryLead
	}
	if c.MaxInFlightPolls == 0 {
		c.MaxInFlightPolls = 1
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c ReaderConfig) validate() error {
	var err error
	if c.QueueURL == "" {
		err = multierr.Append(err, ErrMissingQueueURL)
	}
	if c.Visibility < 0 || c.Visibility > SQSMaxVisibilityTimeout {
		err = multierr.Append(err, fmt.Errorf("%w: %s", ErrInvalidVisibility, c.Visibility))
	}
	if c.PollInterval < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: negative poll interval %s", ErrInvalidConfig, c.PollInterval))
	}
	if c.WaitTime < 0 || c.WaitTime > SQSMaxPollTimeout {
		err = multierr.Append(err, fmt.Errorf("%w: wait time %s outside [0, %s]", ErrInvalidConfig, c.WaitTime, SQSMaxPollTimeout))
	}
	if c.ExpiryLead < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: negative expiry lead %s", ErrInvalidConfig, c.ExpiryLead))
	}
	if c.MaxInFlightPolls < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: negative max in-flight polls %d", ErrInvalidConfig, c.MaxInFlightPolls))
	}
	if err != nil {
		return errorf(err, "invalid reader config")
	}
	return nil
}

// WriterConfig configures a Writer. Zero values select the defaults.
type WriterConfig struct {
	// QueueURL of the queue to publish to. Required.
	QueueURL string `envconfig:"QUEUE_URL"`

	// FlushSize is the buffer length that triggers an immediate flush, at
	// most SQSMaxBatchSize.
	FlushSize int `envconfig:"FLUSH_SIZE"`

	// FlushInterval is the quiet period after the last enqueue before the
	// buffer is flushed.
	FlushInterval time.Duration `envconfig:"FLUSH_INTERVAL"`

	// DisableRetry drops entries of a failed batch instead of putting them
	// back at the head of the buffer.
	DisableRetry bool `envconfig:"DISABLE_RETRY"`

	Clock      clock.Clock           `ignored:"true"`
	Logger     *zap.Logger           `ignored:"true"`
	Registerer prometheus.Registerer `ignored:"true"`
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.FlushSize <= 0 || c.FlushSize > SQSMaxBatchSize {
		c.FlushSize = DefaultFlushSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c WriterConfig) validate() error {
	var err error
	if c.QueueURL == "" {
		err = multierr.Append(err, ErrMissingQueueURL)
	}
	if c.FlushInterval < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: negative flush interval %s", ErrInvalidConfig, c.FlushInterval))
	}
	if err != nil {
		return errorf(err, "invalid writer config")
	}
	return nil
}

// ReaderConfigFromEnv loads a ReaderConfig from environment variables named
// <prefix>_QUEUE_URL, <prefix>_VISIBILITY and so on.
func ReaderConfigFromEnv(prefix string) (ReaderConfig, error) {
	var cfg ReaderConfig
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return cfg, errorf(err, "could not load reader config from environment")
	}
	return cfg, nil
}

// WriterConfigFromEnv loads a WriterConfig from environment variables named
// <prefix>_QUEUE_URL, <prefix>_FLUSH_SIZE and so on.
func WriterConfigFromEnv(prefix string) (WriterConfig, error) {
	var cfg WriterConfig
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return cfg, errorf(err, "could not load writer config from environment")
	}
	return cfg, nil
}

// rounds up
func seconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
