package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"talk2task/domain"
)

// SyncFailure is the message recorded for a failed platform call.
type SyncFailure struct {
	UserID    string               `json:"user_id"`
	TaskID    string               `json:"task_id"`
	Platform  domain.Platform      `json:"platform"`
	Operation string               `json:"operation"`
	Reason    domain.FailureReason `json:"reason"`
	Message   string               `json:"message"`
	Time      int64                `json:"time"`
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// SyncFailureQueue records failed dispatches to an Azure Storage queue.
type SyncFailureQueue struct {
	queue queueClient
	now   func() time.Time
}

// QueueClientOptions is the retry policy used for the failure queue.
func QueueClientOptions() *azqueue.ClientOptions {
	return &azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

func NewSyncFailureQueue(connStr, queueName string) (*SyncFailureQueue, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, QueueClientOptions())
	if err != nil {
		return nil, err
	}
	return &SyncFailureQueue{queue: q, now: time.Now}, nil
}

// RecordFailure enqueues one failure message.
func (q *SyncFailureQueue) RecordFailure(ctx context.Context, userID, taskID string, res domain.DispatchResult) error {
	data, err := sonic.Marshal(SyncFailure{
		UserID:    userID,
		TaskID:    taskID,
		Platform:  res.Platform,
		Operation: res.Operation,
		Reason:    res.Reason,
		Message:   res.Message,
		Time:      q.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
