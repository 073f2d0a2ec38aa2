package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/thisisjab/logcast/entity"
)

type SQSPublisherConfig struct {
	Region string `yaml:"region"`
	// Endpoint overrides the SQS endpoint, e.g. for localstack.
	Endpoint string `yaml:"endpoint"`
	// QueuePrefix is prepended to the exchange name to get the queue name.
	QueuePrefix string `yaml:"queue_prefix"`
}

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher maps every exchange to the SQS queue of the same name (plus an optional prefix).
type SQSPublisher struct {
	cfg    SQSPublisherConfig
	client sqsAPI

	mu   sync.Mutex
	urls map[string]string
}

func NewSQSPublisher(ctx context.Context, cfg SQSPublisherConfig) (*SQSPublisher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newSQSPublisher(cfg, client), nil
}

func newSQSPublisher(cfg SQSPublisherConfig, client sqsAPI) *SQSPublisher {
	return &SQSPublisher{
		cfg:    cfg,
		client: client,
		urls:   make(map[string]string),
	}
}

func (p *SQSPublisher) queueURL(ctx context.Context, exchange string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if url, ok := p.urls[exchange]; ok {
		return url, nil
	}

	name := p.cfg.QueuePrefix + exchange
	out, err := p.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("cannot resolve queue %q: %w", name, err)
	}

	url := aws.ToString(out.QueueUrl)
	p.urls[exchange] = url

	return url, nil
}

func (p *SQSPublisher) Publish(ctx context.Context, env entity.Envelope, exchange string) error {
	url, err := p.queueURL(ctx, exchange)
	if err != nil {
		return err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cannot encode envelope: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"action": {
				DataType:    aws.String("String"),
				StringValue: aws.String(env.Action),
			},
		},
	}

	// FIFO queues need a group, and dedup ids since content based deduplication may be off.
	if strings.HasSuffix(url, ".fifo") {
		input.MessageGroupId = aws.String(env.Action)
		input.MessageDeduplicationId = aws.String(uuid.NewString())
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	return nil
}

func (p *SQSPublisher) Close() error {
	return nil
}
