package sqsio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const (
	waitFor = time.Second
	tick    = time.Millisecond * 5
	quiet   = time.Millisecond * 50
)

// recorder collects emitted events from any goroutine.
type recorder struct {
	mu       sync.Mutex
	messages []*Message
	expiring []*Message
	errs     []error
}

func (r *recorder) onMessage(m *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) onExpiring(m *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expiring = append(r.expiring, m)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) counts() (messages, expiring, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages), len(r.expiring), len(r.errs)
}

func newTestReader(t *testing.T, svc Service, cfg ReaderConfig) (*Reader, *clock.Mock, *recorder) {
	t.Helper()
	clk := clock.NewMock()
	if cfg.QueueURL == "" {
		cfg.QueueURL = testQueueURL
	}
	cfg.Clock = clk
	cfg.Logger = zaptest.NewLogger(t)
	r, err := NewReader(svc, cfg)
	require.NoError(t, err)

	rec := &recorder{}
	r.OnMessage(rec.onMessage)
	r.OnExpiring(rec.onExpiring)
	r.OnError(rec.onError)
	t.Cleanup(r.Stop)
	return r, clk, rec
}

func rawMessage(id, body string) *sqs.Message {
	return &sqs.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	}
}

func TestNewReader(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		r, err := NewReader(&mockService{}, ReaderConfig{QueueURL: testQueueURL})
		if assert.NoError(t, err) {
			assert.Equal(t, DefaultPollInterval, r.config.PollInterval)
			assert.Equal(t, DefaultPollingSize, r.config.PollingSize)
			assert.Equal(t, DefaultExpiryLead, r.config.ExpiryLead)
			assert.Equal(t, 1, r.config.MaxInFlightPolls)
			assert.Zero(t, r.config.Visibility)
			assert.NotNil(t, r.config.Clock)
			assert.NotNil(t, r.logger)
			assert.NotNil(t, r.receiveFn)
			assert.False(t, r.Polling())
		}
	})

	t.Run("MissingQueueURL", func(t *testing.T) {
		svc := &mockService{}
		svc.receiveMessage = func(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			t.Error("receive called on an invalid reader")
			return nil, nil
		}
		r, err := NewReader(svc, ReaderConfig{StartPolling: true})
		assert.Nil(t, r)
		assert.ErrorIs(t, err, ErrMissingQueueURL)
		assert.Zero(t, svc.receiveCount())
	})

	t.Run("AllProblemsReported", func(t *testing.T) {
		_, err := NewReader(&mockService{}, ReaderConfig{
			WaitTime:   time.Second * 30,
			Visibility: -time.Second,
		})
		assert.ErrorIs(t, err, ErrMissingQueueURL)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.ErrorIs(t, err, ErrInvalidVisibility)
	})

	t.Run("ClampPollingSize", func(t *testing.T) {
		r, err := NewReader(&mockService{}, ReaderConfig{QueueURL: testQueueURL, PollingSize: 50})
		if assert.NoError(t, err) {
			assert.Equal(t, SQSMaxBatchSize, r.config.PollingSize)
		}
	})

	t.Run("NilService", func(t *testing.T) {
		_, err := NewReader(nil, ReaderConfig{QueueURL: testQueueURL})
		assert.Equal(t, ErrNilService, err)
	})

	t.Run("StartPolling", func(t *testing.T) {
		svc := &mockService{}
		r, err := NewReader(svc, ReaderConfig{QueueURL: testQueueURL, StartPolling: true, Clock: clock.NewMock()})
		require.NoError(t, err)
		defer r.Stop()
		assert.True(t, r.Polling())
		assert.Eventually(t, func() bool { return svc.receiveCount() == 1 }, waitFor, tick)
	})
}

func TestReader_receive(t *testing.T) {
	t.Run("EmitsInOrder", func(t *testing.T) {
		svc := &mockService{}
		svc.receiveMessage = func(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			assert.Equal(t, testQueueURL, aws.StringValue(input.QueueUrl))
			assert.Equal(t, int64(5), aws.Int64Value(input.MaxNumberOfMessages))
			assert.Equal(t, int64(120), aws.Int64Value(input.VisibilityTimeout))
			assert.Equal(t, int64(3), aws.Int64Value(input.WaitTimeSeconds))
			assert.Equal(t, []string{"All"}, aws.StringValueSlice(input.AttributeNames))
			assert.Equal(t, []string{"trace"}, aws.StringValueSlice(input.MessageAttributeNames))
			return &sqs.ReceiveMessageOutput{Messages: []*sqs.Message{
				rawMessage("msg_0", `{"n":0}`),
				rawMessage("msg_1", `not json`),
				rawMessage("msg_2", `[1,2]`),
			}}, nil
		}
		r, _, rec := newTestReader(t, svc, ReaderConfig{
			PollingSize:           5,
			Visibility:            time.Minute * 2,
			WaitTime:              time.Second * 3,
			AttributeNames:        []string{"All"},
			MessageAttributeNames: []string{"trace"},
			ParseJSON:             true,
		})
		r.receive()

		msgs, _, errs := rec.counts()
		require.Equal(t, 3, msgs)
		assert.Zero(t, errs)
		assert.Equal(t, "msg_0", rec.messages[0].ID)
		assert.Equal(t, map[string]interface{}{"n": float64(0)}, rec.messages[0].Body)
		assert.Equal(t, "msg_1", rec.messages[1].ID)
		assert.Equal(t, "not json", rec.messages[1].Body)
		assert.Equal(t, "msg_2", rec.messages[2].ID)
		assert.Equal(t, []interface{}{float64(1), float64(2)}, rec.messages[2].Body)
		assert.Equal(t, 3, r.Tracked())
		assert.Equal(t, float64(3), testutil.ToFloat64(r.metrics.received))
	})

	t.Run("OptionalFieldsOmitted", func(t *testing.T) {
		svc := &mockService{}
		svc.receiveMessage = func(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			assert.Nil(t, input.VisibilityTimeout)
			assert.Nil(t, input.AttributeNames)
			assert.Nil(t, input.MessageAttributeNames)
			assert.Equal(t, int64(0), aws.Int64Value(input.WaitTimeSeconds))
			assert.Equal(t, int64(SQSMaxBatchSize), aws.Int64Value(input.MaxNumberOfMessages))
			return &sqs.ReceiveMessageOutput{Messages: []*sqs.Message{rawMessage("msg_0", "hello")}}, nil
		}
		r, _, rec := newTestReader(t, svc, ReaderConfig{})
		r.receive()

		msgs, _, _ := rec.counts()
		require.Equal(t, 1, msgs)
		assert.Equal(t, "hello", rec.messages[0].Body)
		assert.Zero(t, r.Tracked())
	})

	t.Run("NoMessages", func(t *testing.T) {
		svc := &mockService{}
		svc.receiveMessage = func(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			return &sqs.ReceiveMessageOutput{Messages: []*sqs.Message{}}, nil
		}
		r, _, rec := newTestReader(t, svc, ReaderConfig{})
		r.receive()

		msgs, _, errs := rec.counts()
		assert.Zero(t, msgs)
		assert.Zero(t, errs)
	})

	t.Run("Error", func(t *testing.T) {
		svc := &mockService{}
		svc.receiveMessage = func(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			return nil, errors.New("error")
		}
		r, _, rec := newTestReader(t, svc, ReaderConfig{})
		r.receive()

		msgs, _, errs := rec.counts()
		assert.Zero(t, msgs)
		assert.Equal(t, 1, errs)
		assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.receives.WithLabelValues(resultError)))
	})

	t.Run("UnhandledErrorLogged", func(t *testing.T) {
		svc := &mockService{}
		svc.receiveMessage = func(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			return nil, errors.New("error")
		}
		core, logs := observer.New(zap.ErrorLevel)
		r, err := NewReader(svc, ReaderConfig{QueueURL: testQueueURL, Logger: zap.New(core)})
		require.NoError(t, err)
		r.receive()
		assert.Equal(t, 1, logs.FilterMessage("unhandled error").Len())
	})

	t.Run("MultipleListeners", func(t *testing.T) {
		svc := &mockService{}
		svc.receiveMessage = func(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			return &sqs.ReceiveMessageOutput{Messages: []*sqs.Message{rawMessage("msg_0", "a")}}, nil
		}
		r, _, _ := newTestReader(t, svc, ReaderConfig{})
		var order []string
		r.OnMessage(func(*Message) { order = append(order, "first") })
		r.OnMessage(func(*Message) { order = append(order, "second") })
		r.receive()
		assert.Equal(t, []string{"first", "second"}, order)
	})
}

func TestReader_BuildMessage(t *testing.T) {
	t.Run("ParseJSON", func(t *testing.T) {
		r, _, _ := newTestReader(t, &mockService{}, ReaderConfig{ParseJSON: true})
		m := r.BuildMessage(rawMessage("msg_0", `{}`))
		assert.Equal(t, map[string]interface{}{}, m.Body)
		assert.Equal(t, "msg_0", m.ID)
		assert.Equal(t, "rh-msg_0", m.ReceiptHandle)
		assert.NotNil(t, m.Raw)
	})

	t.Run("InvalidJSONKeptRaw", func(t *testing.T) {
		r, _, rec := newTestReader(t, &mockService{}, ReaderConfig{ParseJSON: true})
		m := r.BuildMessage(rawMessage("msg_0", `{"broken"`))
		assert.Equal(t, `{"broken"`, m.Body)
		_, _, errs := rec.counts()
		assert.Zero(t, errs)
	})

	t.Run("NoParse", func(t *testing.T) {
		r, _, _ := newTestReader(t, &mockService{}, ReaderConfig{})
		m := r.BuildMessage(rawMessage("msg_0", `{}`))
		assert.Equal(t, `{}`, m.Body)
	})

	t.Run("Nil", func(t *testing.T) {
		r, _, _ := newTestReader(t, &mockService{}, ReaderConfig{})
		assert.Nil(t, r.BuildMessage(nil))
	})

	t.Run("Unmarshal", func(t *testing.T) {
		r, _, _ := newTestReader(t, &mockService{}, ReaderConfig{})
		m := r.BuildMessage(rawMessage("msg_0", `{"name":"sqs"}`))
		var v struct {
			Name string `json:"name"`
		}
		if assert.NoError(t, m.Unmarshal(&v)) {
			assert.Equal(t, "sqs", v.Name)
		}
		assert.Error(t, r.BuildMessage(rawMessage("msg_1", "x")).Unmarshal(&v))
	})
}

func TestMessage_Ack(t *testing.T) {
	t.Run("DeletesAndCancelsExpiry", func(t *testing.T) {
		svc := &mockService{}
		r, clk, rec := newTestReader(t, svc, ReaderConfig{Visibility: time.Second * 90})
		m := r.BuildMessage(rawMessage("msg_0", "a"))
		require.Equal(t, 1, r.Tracked())

		require.NoError(t, m.Ack())
		require.Len(t, svc.deleteCalls(), 1)
		assert.Equal(t, testQueueURL, aws.StringValue(svc.deleteCalls()[0].QueueUrl))
		assert.Equal(t, "rh-msg_0", aws.StringValue(svc.deleteCalls()[0].ReceiptHandle))
		assert.Zero(t, r.Tracked())

		clk.Add(time.Minute * 5)
		assert.Never(t, func() bool {
			_, expiring, _ := rec.counts()
			return expiring > 0
		}, quiet, tick)
		assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.acked))
	})

	t.Run("ErrorKeepsExpiry", func(t *testing.T) {
		svc := &mockService{}
		svc.deleteMessage = func(input *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error) {
			return nil, errors.New("delete failed")
		}
		r, _, rec := newTestReader(t, svc, ReaderConfig{Visibility: time.Second * 90})
		m := r.BuildMessage(rawMessage("msg_0", "a"))

		assert.Error(t, m.Ack())
		_, _, errs := rec.counts()
		assert.Equal(t, 1, errs)
		assert.Equal(t, 1, r.Tracked())
	})

	t.Run("Detached", func(t *testing.T) {
		m := &Message{}
		assert.Equal(t, ErrInvalidMessage, m.Ack())
		assert.Equal(t, ErrInvalidMessage, m.ExtendTimeout(time.Second))
	})
}

func TestMessage_Expiring(t *testing.T) {
	svc := &mockService{}
	r, clk, rec := newTestReader(t, svc, ReaderConfig{Visibility: time.Second * 90})
	m := r.BuildMessage(rawMessage("msg_0", "a"))

	clk.Add(time.Second * 29)
	assert.Never(t, func() bool {
		_, expiring, _ := rec.counts()
		return expiring > 0
	}, quiet, tick)

	clk.Add(time.Second)
	assert.Eventually(t, func() bool {
		_, expiring, _ := rec.counts()
		return expiring == 1
	}, waitFor, tick)
	assert.Same(t, m, rec.expiring[0])
	assert.Zero(t, r.Tracked())

	// Fires once per arming; the message is not deleted or extended.
	clk.Add(time.Minute * 10)
	assert.Never(t, func() bool {
		_, expiring, _ := rec.counts()
		return expiring > 1
	}, quiet, tick)
	assert.Empty(t, svc.deleteCalls())
	assert.Empty(t, svc.visibilityCalls())
}

func TestMessage_ExtendTimeout(t *testing.T) {
	t.Run("Reschedules", func(t *testing.T) {
		svc := &mockService{}
		r, clk, rec := newTestReader(t, svc, ReaderConfig{Visibility: time.Second * 90})
		m := r.BuildMessage(rawMessage("msg_0", "a"))

		clk.Add(time.Second * 20)
		require.NoError(t, m.ExtendTimeout(time.Minute*2))
		require.Len(t, svc.visibilityCalls(), 1)
		assert.Equal(t, testQueueURL, aws.StringValue(svc.visibilityCalls()[0].QueueUrl))
		assert.Equal(t, "rh-msg_0", aws.StringValue(svc.visibilityCalls()[0].ReceiptHandle))
		assert.Equal(t, int64(120), aws.Int64Value(svc.visibilityCalls()[0].VisibilityTimeout))

		// The original deadline (30s) has passed, the new one is 20s+60s.
		clk.Add(time.Second * 59)
		assert.Never(t, func() bool {
			_, expiring, _ := rec.counts()
			return expiring > 0
		}, quiet, tick)

		clk.Add(time.Second)
		assert.Eventually(t, func() bool {
			_, expiring, _ := rec.counts()
			return expiring == 1
		}, waitFor, tick)
	})

	t.Run("WithoutReaderVisibility", func(t *testing.T) {
		svc := &mockService{}
		r, clk, rec := newTestReader(t, svc, ReaderConfig{})
		m := r.BuildMessage(rawMessage("msg_0", "a"))
		assert.Zero(t, r.Tracked())

		require.NoError(t, m.ExtendTimeout(time.Second))
		assert.Equal(t, int64(1), aws.Int64Value(svc.visibilityCalls()[0].VisibilityTimeout))
		assert.Equal(t, 1, r.Tracked())

		clk.Add(time.Millisecond * 500)
		assert.Eventually(t, func() bool {
			_, expiring, _ := rec.counts()
			return expiring == 1
		}, waitFor, tick)
	})

	t.Run("ReTrackAfterExpiring", func(t *testing.T) {
		r, clk, rec := newTestReader(t, &mockService{}, ReaderConfig{Visibility: time.Second * 90})
		m := r.BuildMessage(rawMessage("msg_0", "a"))
		clk.Add(time.Second * 30)
		require.Eventually(t, func() bool {
			_, expiring, _ := rec.counts()
			return expiring == 1
		}, waitFor, tick)

		require.NoError(t, m.ExtendTimeout(time.Second*90))
		assert.Equal(t, 1, r.Tracked())
		clk.Add(time.Second * 30)
		assert.Eventually(t, func() bool {
			_, expiring, _ := rec.counts()
			return expiring == 2
		}, waitFor, tick)
	})

	t.Run("ZeroUntracks", func(t *testing.T) {
		r, _, _ := newTestReader(t, &mockService{}, ReaderConfig{Visibility: time.Second * 90})
		m := r.BuildMessage(rawMessage("msg_0", "a"))
		require.NoError(t, m.ExtendTimeout(0))
		assert.Zero(t, r.Tracked())
	})

	t.Run("OutOfRange", func(t *testing.T) {
		svc := &mockService{}
		r, _, _ := newTestReader(t, svc, ReaderConfig{})
		m := r.BuildMessage(rawMessage("msg_0", "a"))
		assert.ErrorIs(t, m.ExtendTimeout(-time.Second), ErrInvalidVisibility)
		assert.ErrorIs(t, m.ExtendTimeout(SQSMaxVisibilityTimeout+time.Second), ErrInvalidVisibility)
		assert.Empty(t, svc.visibilityCalls())
	})

	t.Run("Error", func(t *testing.T) {
		svc := &mockService{}
		svc.changeMessageVisibility = func(input *sqs.ChangeMessageVisibilityInput) (*sqs.ChangeMessageVisibilityOutput, error) {
			return nil, errors.New("change failed")
		}
		r, clk, rec := newTestReader(t, svc, ReaderConfig{Visibility: time.Second * 90})
		m := r.BuildMessage(rawMessage("msg_0", "a"))

		assert.Error(t, m.ExtendTimeout(time.Minute*10))
		_, _, errs := rec.counts()
		assert.Equal(t, 1, errs)

		// The original timer still fires.
		clk.Add(time.Second * 30)
		assert.Eventually(t, func() bool {
			_, expiring, _ := rec.counts()
			return expiring == 1
		}, waitFor, tick)
	})
}

func TestExpiryDelay(t *testing.T) {
	for _, tc := range []struct {
		visibility, want time.Duration
	}{
		{time.Second * 90, time.Second * 30},
		{time.Second * 61, time.Second},
		{time.Second * 60, time.Second * 30},
		{time.Second, time.Millisecond * 500},
	} {
		assert.Equal(t, tc.want, expiryDelay(tc.visibility, time.Minute), "visibility %s", tc.visibility)
	}
}

func TestReader_StartStop(t *testing.T) {
	waitIdle := func(t *testing.T, r *Reader) {
		t.Helper()
		require.Eventually(t, func() bool {
			if !r.inFlight.TryAcquire(1) {
				return false
			}
			r.inFlight.Release(1)
			return true
		}, waitFor, tick)
	}

	t.Run("PollsEveryInterval", func(t *testing.T) {
		svc := &mockService{}
		r, clk, _ := newTestReader(t, svc, ReaderConfig{PollInterval: time.Second})

		r.Start()
		r.Start()
		assert.Eventually(t, func() bool { return svc.receiveCount() == 1 }, waitFor, tick)
		waitIdle(t, r)

		clk.Add(time.Second)
		assert.Eventually(t, func() bool { return svc.receiveCount() == 2 }, waitFor, tick)
		waitIdle(t, r)

		r.Stop()
		assert.False(t, r.Polling())
		clk.Add(time.Second * 5)
		assert.Never(t, func() bool { return svc.receiveCount() > 2 }, quiet, tick)

		r.Start()
		assert.Eventually(t, func() bool { return svc.receiveCount() == 3 }, waitFor, tick)
	})

	t.Run("LateResultsAfterStop", func(t *testing.T) {
		release := make(chan struct{})
		svc := &mockService{}
		svc.receiveMessage = func(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			<-release
			return &sqs.ReceiveMessageOutput{Messages: []*sqs.Message{rawMessage("msg_0", "late")}}, nil
		}
		r, _, rec := newTestReader(t, svc, ReaderConfig{})

		r.Start()
		require.Eventually(t, func() bool { return svc.receiveCount() == 1 }, waitFor, tick)
		r.Stop()
		close(release)

		assert.Eventually(t, func() bool {
			msgs, _, _ := rec.counts()
			return msgs == 1
		}, waitFor, tick)
	})

	t.Run("SkipsTickWhileInFlight", func(t *testing.T) {
		release := make(chan struct{})
		svc := &mockService{}
		svc.receiveMessage = func(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			<-release
			return &sqs.ReceiveMessageOutput{}, nil
		}
		r, clk, _ := newTestReader(t, svc, ReaderConfig{PollInterval: time.Second})

		r.Start()
		require.Eventually(t, func() bool { return svc.receiveCount() == 1 }, waitFor, tick)

		clk.Add(time.Second)
		assert.Eventually(t, func() bool {
			return testutil.ToFloat64(r.metrics.skippedPolls) == 1
		}, waitFor, tick)
		assert.Equal(t, 1, svc.receiveCount())

		close(release)
		waitIdle(t, r)
		clk.Add(time.Second)
		assert.Eventually(t, func() bool { return svc.receiveCount() == 2 }, waitFor, tick)
	})

	t.Run("ErrorDoesNotStopPolling", func(t *testing.T) {
		svc := &mockService{}
		svc.receiveMessage = func(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			return nil, errors.New("error")
		}
		r, clk, rec := newTestReader(t, svc, ReaderConfig{PollInterval: time.Second})

		r.Start()
		require.Eventually(t, func() bool { return svc.receiveCount() == 1 }, waitFor, tick)
		waitIdle(t, r)
		clk.Add(time.Second)
		assert.Eventually(t, func() bool {
			_, _, errs := rec.counts()
			return errs == 2
		}, waitFor, tick)
	})

	t.Run("ReceiveOnce", func(t *testing.T) {
		svc := &mockService{}
		r, _, _ := newTestReader(t, svc, ReaderConfig{})
		r.ReceiveOnce()
		assert.Eventually(t, func() bool { return svc.receiveCount() == 1 }, waitFor, tick)
		assert.False(t, r.Polling())
	})
}

func TestReader_Purge(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		svc := &mockService{}
		r, _, _ := newTestReader(t, svc, ReaderConfig{})
		require.NoError(t, r.Purge())
		require.Len(t, svc.purgeCalls(), 1)
		assert.Equal(t, testQueueURL, aws.StringValue(svc.purgeCalls()[0].QueueUrl))
	})

	t.Run("Error", func(t *testing.T) {
		svc := &mockService{}
		svc.purgeQueue = func(input *sqs.PurgeQueueInput) (*sqs.PurgeQueueOutput, error) {
			return nil, errors.New("purge in progress")
		}
		r, _, rec := newTestReader(t, svc, ReaderConfig{})
		assert.Error(t, r.Purge())
		_, _, errs := rec.counts()
		assert.Equal(t, 1, errs)
	})
}

func TestReader_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewReader(&mockService{}, ReaderConfig{QueueURL: testQueueURL, Registerer: reg})
	require.NoError(t, err)
	_, err = NewReader(&mockService{}, ReaderConfig{QueueURL: testQueueURL + "-2", Registerer: reg})
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "sqsio_reader_tracked_messages")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReader_Consume(t *testing.T) {
	svc := &mockService{}
	svc.receiveMessage = func(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
		return &sqs.ReceiveMessageOutput{Messages: []*sqs.Message{
			rawMessage("msg_0", "ok"),
			rawMessage("msg_1", "bad"),
		}}, nil
	}
	r, _, rec := newTestReader(t, svc, ReaderConfig{Visibility: time.Second * 90})
	cause := errors.New("rejected")
	r.Consume(func(m *Message) error {
		if m.Body == "bad" {
			return cause
		}
		return nil
	})
	r.Consume(nil)
	r.receive()

	require.Len(t, svc.deleteCalls(), 1)
	assert.Equal(t, "rh-msg_0", aws.StringValue(svc.deleteCalls()[0].ReceiptHandle))
	_, _, errs := rec.counts()
	require.Equal(t, 1, errs)
	assert.ErrorIs(t, rec.errs[0], cause)
	assert.Equal(t, 1, r.Tracked())
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.rejected))
}
