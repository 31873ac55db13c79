package sqsio

import (
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/sqs"
)

const (
	SQSMaxBatchSize         = 10
	SQSMaxPollTimeout       = time.Second * 20
	SQSMaxVisibilityTimeout = time.Hour * 12
)

// Service is the subset of the SQS API used by Reader and Writer. *sqs.SQS
// satisfies it.
type Service interface {
	GetQueueUrl(input *sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error)
	SendMessage(input *sqs.SendMessageInput) (*sqs.SendMessageOutput, error)
	SendMessageBatch(input *sqs.SendMessageBatchInput) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(input *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(input *sqs.ChangeMessageVisibilityInput) (*sqs.ChangeMessageVisibilityOutput, error)
	PurgeQueue(input *sqs.PurgeQueueInput) (*sqs.PurgeQueueOutput, error)
}

var _ Service = (*sqs.SQS)(nil)

// ResolveQueueURL looks up the URL of the named queue.
func ResolveQueueURL(svc Service, queueName string) (string, error) {
	if queueName == "" {
		return "", ErrQueueDoesNotExist
	}
	if svc == nil {
		return "", ErrNilService
	}
	resp, err := svc.GetQueueUrl(&sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == sqs.ErrCodeQueueDoesNotExist {
			return "", ErrQueueDoesNotExist
		}
		return "", errorf(err, "could not get URL of queue %q", queueName)
	}
	return aws.StringValue(resp.QueueUrl), nil
}
