package sqsio

import (
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
)

// Entry is one outbound message of a batch. Writer assigns Id when it is
// nil.
type Entry = sqs.SendMessageBatchRequestEntry

type MessageConfig struct {
	// Service delay time for message in seconds.
	Delay time.Duration
}

// NewEntry builds an Entry for body. Strings and byte slices are sent as
// they are, anything else is JSON encoded.
func NewEntry(body interface{}, config ...*MessageConfig) (*Entry, error) {
	s, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	e := &Entry{MessageBody: aws.String(s)}
	for _, c := range config {
		if c == nil {
			continue
		}
		e.DelaySeconds = aws.Int64(int64(c.Delay.Seconds()))
	}
	return e, nil
}

func encodeBody(body interface{}) (string, error) {
	switch b := body.(type) {
	case nil:
		return "", ErrInvalidMessage
	case string:
		return b, nil
	case []byte:
		return string(b), nil
	}
	bs, err := json.Marshal(body)
	if err != nil {
		return "", errorf(err, "could not encode message body")
	}
	return string(bs), nil
}
