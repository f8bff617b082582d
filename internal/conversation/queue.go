package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

type queueClient interface {
	// Send enqueues body. groupID keeps messages sharing it in order on
	// queues that support grouping.
	Send(ctx context.Context, groupID, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type turnPayload struct {
	ID      string  `json:"id"`
	Inbound Inbound `json:"inbound"`
	// ReplyTo names the replica whose caller waits for the result.
	ReplyTo string `json:"replyTo,omitempty"`
}

func encodeTurn(in Inbound, replyTo string) (turnPayload, string, error) {
	payload := turnPayload{ID: uuid.NewString(), Inbound: in, ReplyTo: replyTo}
	body, err := json.Marshal(payload)
	if err != nil {
		return turnPayload{}, "", fmt.Errorf("conversation: failed to encode payload: %w", err)
	}
	return payload, string(body), nil
}

// shardFor maps a phone onto one of n shards.
func shardFor(phone string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(phone))
	return int(h.Sum32() % uint32(n))
}
