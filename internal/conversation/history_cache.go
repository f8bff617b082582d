package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

const defaultHistoryTTL = 24 * time.Hour

// CachedStore fronts a Store with a Redis copy of each conversation's history.
// The wrapped store stays authoritative; cache failures only cost a reload.
type CachedStore struct {
	Store
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
	logger *logging.Logger
}

var _ Store = (*CachedStore)(nil)

func NewCachedStore(store Store, client *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedStore {
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if client == nil {
		panic("conversation: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedStore{
		Store:  store,
		redis:  client,
		ttl:    ttl,
		tracer: otel.Tracer("clinicbooking.internal.conversation.history"),
		logger: logger,
	}
}

func historyKey(id uuid.UUID) string {
	return fmt.Sprintf("conversation:%s:history", id)
}

// generationKey is bumped on every append. A fill only lands when the
// generation it read before loading from the store is still current.
func generationKey(id uuid.UUID) string {
	return fmt.Sprintf("conversation:%s:history:gen", id)
}

func (s *CachedStore) AppendMessage(ctx context.Context, conversationID uuid.UUID, role Role, content string) (*Message, error) {
	msg, err := s.Store.AppendMessage(ctx, conversationID, role, content)
	if err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "conversation.cache_append")
	defer span.End()

	if err := s.appendCached(ctx, conversationID, msg); err != nil {
		span.RecordError(err)
		s.logger.Warn("history cache append failed", "error", err, "conversation_id", conversationID)
		s.invalidate(ctx, conversationID)
	}
	return msg, nil
}

// appendCached extends a warm history only when msg directly follows its
// tail. A cold key stays cold; a tail that already holds msg is left alone
// and any gap drops the key.
func (s *CachedStore) appendCached(ctx context.Context, conversationID uuid.UUID, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := historyKey(conversationID)
	gen := generationKey(conversationID)

	return s.redis.Watch(ctx, func(tx *redis.Tx) error {
		tail, err := tx.LIndex(ctx, key, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var last Message
		warm := err == nil
		if warm && json.Unmarshal([]byte(tail), &last) != nil {
			warm = false
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, gen)
			pipe.Expire(ctx, gen, s.ttl)
			switch {
			case !warm:
				pipe.Del(ctx, key)
			case last.Seq >= msg.Seq:
				// a fill that read msg from the store got there first
			case last.Seq == msg.Seq-1:
				pipe.RPush(ctx, key, data)
				pipe.Expire(ctx, key, s.ttl)
			default:
				pipe.Del(ctx, key)
			}
			return nil
		})
		return err
	}, key, gen)
}

func (s *CachedStore) History(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.cache_history")
	defer span.End()

	key := historyKey(conversationID)
	raw, err := s.redis.LRange(ctx, key, 0, -1).Result()
	if err == nil && len(raw) > 0 {
		history := make([]Message, 0, len(raw))
		decoded := true
		for _, item := range raw {
			var m Message
			if err := json.Unmarshal([]byte(item), &m); err != nil {
				decoded = false
				break
			}
			history = append(history, m)
		}
		if decoded {
			return history, nil
		}
		s.logger.Warn("history cache entry corrupt", "conversation_id", conversationID)
	} else if err != nil {
		span.RecordError(err)
		s.logger.Warn("history cache read failed", "error", err, "conversation_id", conversationID)
	}

	generation, genErr := s.redis.Get(ctx, generationKey(conversationID)).Int64()
	if genErr != nil && !errors.Is(genErr, redis.Nil) {
		// without a generation the fill cannot be checked
		return s.Store.History(ctx, conversationID)
	}

	history, err := s.Store.History(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, conversationID, generation, history)
	return history, nil
}

func (s *CachedStore) fill(ctx context.Context, conversationID uuid.UUID, generation int64, history []Message) {
	if len(history) == 0 {
		return
	}
	values := make([]any, 0, len(history))
	for _, m := range history {
		data, err := json.Marshal(m)
		if err != nil {
			return
		}
		values = append(values, data)
	}
	key := historyKey(conversationID)
	gen := generationKey(conversationID)

	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, gen).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return errStaleHistory
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.RPush(ctx, key, values...)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		return err
	}, gen)
	switch {
	case err == nil:
	case errors.Is(err, errStaleHistory), errors.Is(err, redis.TxFailedErr):
		s.logger.Debug("history cache fill skipped after concurrent append", "conversation_id", conversationID)
	default:
		s.logger.Warn("history cache fill failed", "error", err, "conversation_id", conversationID)
	}
}

var errStaleHistory = errors.New("conversation: history changed during load")

func (s *CachedStore) Close(ctx context.Context, conversationID uuid.UUID) error {
	if err := s.Store.Close(ctx, conversationID); err != nil {
		return err
	}
	s.invalidate(ctx, conversationID)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, conversationID uuid.UUID) {
	pipe := s.redis.TxPipeline()
	pipe.Incr(ctx, generationKey(conversationID))
	pipe.Expire(ctx, generationKey(conversationID), s.ttl)
	pipe.Del(ctx, historyKey(conversationID))
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("history cache invalidate failed", "error", err, "conversation_id", conversationID)
	}
}
