package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

// ResultRelay carries finished turns between dispatcher replicas sharing a
// queue, so the replica holding the caller's request gets its reply.
type ResultRelay interface {
	Publish(ctx context.Context, replicaID string, res RelayedResult) error
	// Listen returns once the subscription is live. The channel closes when ctx ends.
	Listen(ctx context.Context, replicaID string) (<-chan RelayedResult, error)
}

const (
	relayErrInvalidInbound = "invalid_inbound"
	relayErrClosed         = "dispatcher_closed"
	relayErrDeadline       = "deadline_exceeded"
	relayErrCanceled       = "canceled"
	relayErrOther          = "error"
)

// RelayedResult is the wire form of a turn outcome.
type RelayedResult struct {
	JobID     string    `json:"jobId"`
	Outbound  *Outbound `json:"outbound,omitempty"`
	ErrorKind string    `json:"errorKind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func newRelayedResult(jobID string, resp *Outbound, err error) RelayedResult {
	res := RelayedResult{JobID: jobID, Outbound: resp}
	if err == nil {
		return res
	}
	res.Error = err.Error()
	switch {
	case errors.Is(err, ErrInvalidInbound):
		res.ErrorKind = relayErrInvalidInbound
	case errors.Is(err, ErrDispatcherClosed):
		res.ErrorKind = relayErrClosed
	case errors.Is(err, context.DeadlineExceeded):
		res.ErrorKind = relayErrDeadline
	case errors.Is(err, context.Canceled):
		res.ErrorKind = relayErrCanceled
	default:
		res.ErrorKind = relayErrOther
	}
	return res
}

// Unwrap restores the outcome, mapping known error kinds back to their sentinels.
func (r RelayedResult) Unwrap() (*Outbound, error) {
	switch r.ErrorKind {
	case "":
		return r.Outbound, nil
	case relayErrInvalidInbound:
		return nil, ErrInvalidInbound
	case relayErrClosed:
		return nil, ErrDispatcherClosed
	case relayErrDeadline:
		return nil, context.DeadlineExceeded
	case relayErrCanceled:
		return nil, context.Canceled
	default:
		return nil, fmt.Errorf("conversation: remote turn failed: %s", r.Error)
	}
}

// RedisResultRelay publishes results on one pub/sub channel per replica.
type RedisResultRelay struct {
	client *redis.Client
	prefix string
	logger *logging.Logger
}

const defaultRelayPrefix = "clinic:turn-results:"

func NewRedisResultRelay(client *redis.Client, logger *logging.Logger) *RedisResultRelay {
	if client == nil {
		panic("conversation: redis client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisResultRelay{client: client, prefix: defaultRelayPrefix, logger: logger}
}

func (r *RedisResultRelay) channel(replicaID string) string {
	return r.prefix + replicaID
}

func (r *RedisResultRelay) Publish(ctx context.Context, replicaID string, res RelayedResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("conversation: encode relayed result: %w", err)
	}
	receivers, err := r.client.Publish(ctx, r.channel(replicaID), raw).Result()
	if err != nil {
		return fmt.Errorf("conversation: publish relayed result: %w", err)
	}
	if receivers == 0 {
		r.logger.Warn("relayed result had no subscriber", "job_id", res.JobID, "replica_id", replicaID)
	}
	return nil
}

func (r *RedisResultRelay) Listen(ctx context.Context, replicaID string) (<-chan RelayedResult, error) {
	sub := r.client.Subscribe(ctx, r.channel(replicaID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("conversation: subscribe %s: %w", r.channel(replicaID), err)
	}

	out := make(chan RelayedResult)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var res RelayedResult
				if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
					r.logger.Error("failed to decode relayed result", "error", err)
					continue
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
