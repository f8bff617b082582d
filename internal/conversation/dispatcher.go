package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

// TurnHandler processes one inbound message. *Engine implements it.
type TurnHandler interface {
	HandleInbound(ctx context.Context, in Inbound) (*Outbound, error)
}

var _ TurnHandler = (*Engine)(nil)

// ErrDispatcherClosed indicates the dispatcher is no longer accepting work.
var ErrDispatcherClosed = errors.New("conversation: dispatcher closed")

// Dispatcher routes inbound turns through a queue before invoking the engine.
//
// Receivers only pull messages off the queue and hand each one to the lane of
// its phone. A lane runs that phone's turns one at a time in arrival order and
// exits once it is empty, so one customer's slow turn never holds up another
// customer whose phone hashes to the same shard. Callers block until their
// turn has been processed, possibly on another replica when a ResultRelay is
// configured.
type Dispatcher struct {
	handler   TurnHandler
	shards    []queueClient
	logger    *logging.Logger
	replicaID string

	cfg dispatcherConfig

	recvCtx     context.Context
	stopRecv    context.CancelFunc
	turnCtx     context.Context
	cancelTurns context.CancelFunc
	receivers   sync.WaitGroup
	turns       sync.WaitGroup

	mu     sync.Mutex
	closed bool
	lanes  map[string]*lane

	pending sync.Map // jobID -> chan dispatchResult
}

var _ TurnHandler = (*Dispatcher)(nil)

const (
	defaultShards           = 4
	defaultReceiveWait      = 2  // seconds
	defaultReceiveMax       = 5  // messages
	maxReceiveWaitSeconds   = 20 // SQS limit
	maxReceiveBatchMessages = 10
	relayPublishTimeout     = 5 * time.Second
)

type dispatcherConfig struct {
	receiveWaitSecs  int
	receiveBatchSize int
	relay            ResultRelay
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*dispatcherConfig)

// WithReceiveWaitSeconds sets the long-poll wait time for receive calls.
func WithReceiveWaitSeconds(seconds int) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxReceiveWaitSeconds {
			seconds = maxReceiveWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize overrides how many messages each poll should return.
func WithReceiveBatchSize(size int) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchMessages {
			size = maxReceiveBatchMessages
		}
		cfg.receiveBatchSize = size
	}
}

// WithResultRelay sends results of turns enqueued by another replica back to
// that replica. Required whenever more than one process consumes the queue.
func WithResultRelay(relay ResultRelay) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		cfg.relay = relay
	}
}

// NewMemoryDispatcher runs shards in-process channel queues with one receiver each.
func NewMemoryDispatcher(handler TurnHandler, shards, buffer int, logger *logging.Logger, opts ...DispatcherOption) *Dispatcher {
	if shards <= 0 {
		shards = defaultShards
	}
	queues := make([]queueClient, shards)
	for i := range queues {
		queues[i] = NewMemoryQueue(buffer)
	}
	d, err := newDispatcher(handler, queues, 1, logger, opts...)
	if err != nil {
		// Only a relay subscription can fail and memory queues never cross processes.
		panic(err)
	}
	return d
}

// NewSQSDispatcher polls one SQS queue with workers receivers. Per-phone
// ordering relies on the queue being FIFO with the phone as message group.
// Messages stay invisible on the queue until their lane has handled them, so
// the queue's visibility timeout must cover a phone's backlog.
func NewSQSDispatcher(handler TurnHandler, queue *SQSQueue, workers int, logger *logging.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	if queue == nil {
		return nil, errors.New("conversation: queue cannot be nil")
	}
	if workers <= 0 {
		workers = defaultShards
	}
	if !queue.fifo && logger != nil {
		logger.Warn("conversation queue is not FIFO; per-phone ordering is not guaranteed", "queue_url", queue.queueURL)
	}
	return newDispatcher(handler, []queueClient{queue}, workers, logger, opts...)
}

func newDispatcher(handler TurnHandler, shards []queueClient, receiversPerShard int, logger *logging.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	if handler == nil {
		return nil, errors.New("conversation: handler cannot be nil")
	}
	if len(shards) == 0 {
		return nil, errors.New("conversation: at least one queue required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := dispatcherConfig{
		receiveWaitSecs:  defaultReceiveWait,
		receiveBatchSize: defaultReceiveMax,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	recvCtx, stopRecv := context.WithCancel(context.Background())
	turnCtx, cancelTurns := context.WithCancel(context.Background())
	d := &Dispatcher{
		handler:     handler,
		shards:      shards,
		logger:      logger,
		replicaID:   uuid.NewString(),
		cfg:         cfg,
		recvCtx:     recvCtx,
		stopRecv:    stopRecv,
		turnCtx:     turnCtx,
		cancelTurns: cancelTurns,
		lanes:       make(map[string]*lane),
	}

	if cfg.relay != nil {
		results, err := cfg.relay.Listen(turnCtx, d.replicaID)
		if err != nil {
			stopRecv()
			cancelTurns()
			return nil, fmt.Errorf("conversation: subscribe to turn results: %w", err)
		}
		go d.consumeRelayed(results)
	}

	receiverID := 0
	for _, q := range shards {
		for i := 0; i < receiversPerShard; i++ {
			receiverID++
			d.receivers.Add(1)
			go d.runReceiver(receiverID, q)
		}
	}
	return d, nil
}

// HandleInbound enqueues the turn on its phone's shard and blocks until it
// has been processed or ctx ends.
func (d *Dispatcher) HandleInbound(ctx context.Context, in Inbound) (*Outbound, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrDispatcherClosed
	}

	in.Phone = NormalizePhone(in.Phone)
	payload, body, err := encodeTurn(in, d.replicaID)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan dispatchResult, 1)
	d.pending.Store(payload.ID, resultCh)
	defer d.pending.Delete(payload.ID)

	queue := d.shards[shardFor(in.Phone, len(d.shards))]
	if err := queue.Send(ctx, in.Phone, body); err != nil {
		return nil, fmt.Errorf("conversation: failed to enqueue turn: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.response, res.err
	}
}

// Shutdown stops accepting turns, lets the turns already received run to
// completion, then releases callers whose turns never left the queue. When
// ctx ends first the remaining turns are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.stopRecv()

	done := make(chan struct{})
	go func() {
		d.receivers.Wait()
		d.turns.Wait()
		close(done)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-done:
	}
	d.cancelTurns()

	d.pending.Range(func(key, value any) bool {
		if ch, ok := value.(chan dispatchResult); ok {
			select {
			case ch <- dispatchResult{err: ErrDispatcherClosed}:
			default:
			}
		}
		d.pending.Delete(key)
		return true
	})
	return err
}

func (d *Dispatcher) runReceiver(receiverID int, queue queueClient) {
	defer d.receivers.Done()
	d.logger.Debug("conversation dispatcher receiver started", "receiver_id", receiverID)

	backoff := time.Second
	for {
		if d.recvCtx.Err() != nil {
			d.logger.Debug("conversation dispatcher receiver stopping", "receiver_id", receiverID)
			return
		}

		messages, err := queue.Receive(d.recvCtx, d.cfg.receiveBatchSize, d.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			d.logger.Error("failed to receive conversation turns", "error", err, "receiver_id", receiverID)
			select {
			case <-d.recvCtx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			var payload turnPayload
			if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
				d.logger.Error("failed to decode conversation turn", "error", err)
				d.deleteMessage(queue, msg)
				continue
			}
			d.enqueueLane(laneJob{queue: queue, msg: msg, payload: payload})
		}
	}
}

type laneJob struct {
	queue   queueClient
	msg     queueMessage
	payload turnPayload
}

type lane struct {
	jobs []laneJob
}

// enqueueLane appends job to its phone's lane, starting the lane if idle.
func (d *Dispatcher) enqueueLane(job laneJob) {
	phone := job.payload.Inbound.Phone

	d.mu.Lock()
	if l, ok := d.lanes[phone]; ok {
		l.jobs = append(l.jobs, job)
		d.mu.Unlock()
		return
	}
	l := &lane{jobs: []laneJob{job}}
	d.lanes[phone] = l
	d.turns.Add(1)
	d.mu.Unlock()

	go d.runLane(phone, l)
}

func (d *Dispatcher) runLane(phone string, l *lane) {
	defer d.turns.Done()
	for {
		d.mu.Lock()
		if len(l.jobs) == 0 {
			delete(d.lanes, phone)
			d.mu.Unlock()
			return
		}
		job := l.jobs[0]
		l.jobs = l.jobs[1:]
		d.mu.Unlock()

		d.runTurn(job)
	}
}

func (d *Dispatcher) runTurn(job laneJob) {
	resp, err := d.handler.HandleInbound(d.turnCtx, job.payload.Inbound)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("conversation turn failed", "error", err, "job_id", job.payload.ID)
	}
	d.deleteMessage(job.queue, job.msg)
	d.deliverResult(job.payload, resp, err)
}

func (d *Dispatcher) deleteMessage(queue queueClient, msg queueMessage) {
	deleteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := queue.Delete(deleteCtx, msg.ReceiptHandle); err != nil {
		d.logger.Error("failed to delete conversation turn", "error", err)
	}
}

func (d *Dispatcher) deliverResult(payload turnPayload, resp *Outbound, err error) {
	if d.deliverLocal(payload.ID, resp, err) {
		return
	}
	if d.cfg.relay == nil || payload.ReplyTo == "" || payload.ReplyTo == d.replicaID {
		d.logger.Debug("no waiting caller for conversation turn", "job_id", payload.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	if pubErr := d.cfg.relay.Publish(ctx, payload.ReplyTo, newRelayedResult(payload.ID, resp, err)); pubErr != nil {
		d.logger.Error("failed to relay conversation turn result", "error", pubErr, "job_id", payload.ID, "replica_id", payload.ReplyTo)
	}
}

func (d *Dispatcher) deliverLocal(jobID string, resp *Outbound, err error) bool {
	value, ok := d.pending.Load(jobID)
	if !ok {
		return false
	}
	ch, ok := value.(chan dispatchResult)
	if !ok {
		d.logger.Error("conversation dispatcher pending map corrupted", "job_id", jobID)
		d.pending.Delete(jobID)
		return true
	}
	select {
	case ch <- dispatchResult{response: resp, err: err}:
	default:
	}
	return true
}

func (d *Dispatcher) consumeRelayed(results <-chan RelayedResult) {
	for res := range results {
		resp, err := res.Unwrap()
		if !d.deliverLocal(res.JobID, resp, err) {
			d.logger.Debug("relayed result has no waiting caller", "job_id", res.JobID)
		}
	}
}

type dispatchResult struct {
	response *Outbound
	err      error
}
