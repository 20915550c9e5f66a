package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"reading-assessment/internal/common/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Publisher is the subset of the SNS client used here.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes job events as JSON messages to one topic. The job
// state is also sent as a message attribute so subscribers can filter.
type SNSNotifier struct {
	publisher Publisher
	topicARN  string
	logger    logger.Logger
}

// NewSNSClient loads the default AWS credential chain for region.
func NewSNSClient(ctx context.Context, region string) (*sns.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sns.NewFromConfig(cfg), nil
}

func NewSNSNotifier(publisher Publisher, topicARN string, log logger.Logger) *SNSNotifier {
	return &SNSNotifier{
		publisher: publisher,
		topicARN:  topicARN,
		logger:    log.WithFields(map[string]interface{}{"component": "sns-notifier"}),
	}
}

func (n *SNSNotifier) Notify(ctx context.Context, event JobEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}

	out, err := n.publisher.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Message:  aws.String(string(body)),
		Subject:  aws.String("assessment " + string(event.State)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"state": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.State)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish job event %s: %w", event.JobID, err)
	}

	n.logger.Debug("job event published", map[string]interface{}{
		"jobId":     event.JobID,
		"state":     string(event.State),
		"messageId": aws.ToString(out.MessageId),
	})
	return nil
}
