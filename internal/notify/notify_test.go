package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"reading-assessment/internal/common/logger"
	"reading-assessment/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*sns.PublishOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestEventFromJob(t *testing.T) {
	finished := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	fluency := 87.5
	job := &models.Job{
		ID:         "job-1",
		BatchID:    "batch-1",
		State:      models.JobSuccess,
		FinishedAt: &finished,
		Result:     &models.AssessmentResult{Accuracy: 90, FluencyScore: &fluency},
	}

	ev := EventFromJob(job)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, "batch-1", ev.BatchID)
	assert.Equal(t, models.JobSuccess, ev.State)
	assert.Equal(t, finished, ev.FinishedAt)
	require.NotNil(t, ev.Accuracy)
	assert.Equal(t, 90, *ev.Accuracy)
	assert.Equal(t, &fluency, ev.Fluency)

	failed := EventFromJob(&models.Job{ID: "job-2", State: models.JobFailure, ErrorCode: "TIMEOUT", Error: "too slow"})
	assert.Nil(t, failed.Accuracy)
	assert.Equal(t, "TIMEOUT", failed.ErrorCode)
}

func TestSNSNotifier_Notify(t *testing.T) {
	pub := new(MockPublisher)
	n := NewSNSNotifier(pub, "arn:aws:sns:us-east-1:123456789012:assessments", logger.NewTestLogger(t))

	pub.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		var ev JobEvent
		if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &ev); err != nil {
			return false
		}
		return aws.ToString(in.TopicArn) == "arn:aws:sns:us-east-1:123456789012:assessments" &&
			ev.JobID == "job-1" &&
			aws.ToString(in.MessageAttributes["state"].StringValue) == "REVOKED"
	})).Return(&sns.PublishOutput{MessageId: aws.String("m-1")}, nil).Once()

	err := n.Notify(context.Background(), JobEvent{JobID: "job-1", State: models.JobRevoked})
	require.NoError(t, err)
	pub.AssertExpectations(t)
}

func TestSNSNotifier_PublishError(t *testing.T) {
	pub := new(MockPublisher)
	n := NewSNSNotifier(pub, "arn:topic", logger.NewTestLogger(t))
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil, errors.New("throttled")).Once()

	err := n.Notify(context.Background(), JobEvent{JobID: "job-9", State: models.JobFailure})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job-9")
	assert.Contains(t, err.Error(), "throttled")
}

func TestNopNotifier(t *testing.T) {
	assert.NoError(t, NopNotifier{}.Notify(context.Background(), JobEvent{}))
}
