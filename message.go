package sqsio

import (
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
)

// Message is a received SQS message bound to the Reader that received it.
type Message struct {
	ID            string
	ReceiptHandle string

	// Body is the decoded JSON value when the reader parses JSON and the body
	// is valid JSON, otherwise the raw body string.
	Body interface{}

	// Raw is the message as returned by ReceiveMessage, attributes included.
	Raw *sqs.Message

	reader *Reader
}

// Ack deletes the message from the queue and cancels its expiry timer.
func (m *Message) Ack() error {
	if m.reader == nil {
		return ErrInvalidMessage
	}
	return m.reader.ack(m)
}

// ExtendTimeout sets the message's visibility timeout to d from now and
// re-arms its expiry timer accordingly. A zero d makes the message visible
// again and stops tracking it.
func (m *Message) ExtendTimeout(d time.Duration) error {
	if m.reader == nil {
		return ErrInvalidMessage
	}
	return m.reader.extend(m, d)
}

// Unmarshal decodes the raw JSON body into v.
func (m *Message) Unmarshal(v interface{}) error {
	if m.Raw == nil {
		return ErrInvalidMessage
	}
	if err := json.Unmarshal([]byte(aws.StringValue(m.Raw.Body)), v); err != nil {
		return errorf(err, "could not decode body of message %q", m.ID)
	}
	return nil
}
