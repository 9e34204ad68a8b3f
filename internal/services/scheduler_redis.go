package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"storeflow/internal/config"
	"storeflow/internal/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DelayQueue is a due-time ordered queue of encoded tickets. A delivery
// takes a lease on a member instead of removing it, so a dispatcher that dies
// mid-delivery leaves the ticket to reappear once the lease runs out.
type DelayQueue interface {
	Add(ctx context.Context, member string, due time.Time) error
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Lease moves a due member's score to until. false means it is not due
	// or another dispatcher already holds it.
	Lease(ctx context.Context, member string, now, until time.Time) (bool, error)
	// Ack removes a delivered member.
	Ack(ctx context.Context, member string) error
	// Requeue atomically replaces old with member due at due.
	Requeue(ctx context.Context, old, member string, due time.Time) error
	// DeadLetter atomically removes old and parks member on the dead list.
	DeadLetter(ctx context.Context, old, member string) error
}

// RedisDelayQueue keeps tickets in a sorted set scored by due time (unix ms).
type RedisDelayQueue struct {
	rdb     redis.UniversalClient
	key     string
	deadKey string
}

func NewRedisDelayQueue(rdb redis.UniversalClient, key, deadKey string) *RedisDelayQueue {
	return &RedisDelayQueue{rdb: rdb, key: key, deadKey: deadKey}
}

// leaseScript re-scores a member only while it is still due.
var leaseScript = redis.NewScript(`
local s = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not s or tonumber(s) > tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

func (q *RedisDelayQueue) Add(ctx context.Context, member string, due time.Time) error {
	return q.rdb.ZAdd(ctx, q.key, redis.Z{Score: float64(due.UnixMilli()), Member: member}).Err()
}

func (q *RedisDelayQueue) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return q.rdb.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
}

func (q *RedisDelayQueue) Lease(ctx context.Context, member string, now, until time.Time) (bool, error) {
	n, err := leaseScript.Run(ctx, q.rdb, []string{q.key}, member, now.UnixMilli(), until.UnixMilli()).Int()
	return n == 1, err
}

func (q *RedisDelayQueue) Ack(ctx context.Context, member string) error {
	return q.rdb.ZRem(ctx, q.key, member).Err()
}

func (q *RedisDelayQueue) Requeue(ctx context.Context, old, member string, due time.Time) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.key, old)
		p.ZAdd(ctx, q.key, redis.Z{Score: float64(due.UnixMilli()), Member: member})
		return nil
	})
	return err
}

func (q *RedisDelayQueue) DeadLetter(ctx context.Context, old, member string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.key, old)
		p.LPush(ctx, q.deadKey, member)
		return nil
	})
	return err
}

// Len reports how many tickets are waiting or leased.
func (q *RedisDelayQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.key).Result()
}

// queuedTicket is the sorted-set member. ID keeps identical tickets distinct.
type queuedTicket struct {
	ID       string           `json:"id"`
	Ticket   ResumptionTicket `json:"ticket"`
	Attempts int              `json:"attempts"`
}

// RedisScheduler is the self-hosted scheduler: tickets wait in a DelayQueue
// until a ResumeDispatcher delivers them.
type RedisScheduler struct {
	queue  DelayQueue
	logger *logrus.Logger
}

func NewRedisScheduler(queue DelayQueue, logger *logrus.Logger) *RedisScheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisScheduler{queue: queue, logger: logger}
}

func (s *RedisScheduler) Schedule(ctx context.Context, ticket ResumptionTicket, delay time.Duration) (ScheduleReceipt, error) {
	item := queuedTicket{ID: uuid.NewString(), Ticket: ticket}
	member, err := json.Marshal(item)
	if err != nil {
		return ScheduleReceipt{}, fmt.Errorf("encode ticket: %w", err)
	}
	due := time.Now().Add(delay).UTC()
	if err := s.queue.Add(ctx, string(member), due); err != nil {
		metrics.ScheduleFailures.WithLabelValues("redis").Inc()
		return ScheduleReceipt{}, fmt.Errorf("enqueue ticket: %w", err)
	}
	return ScheduleReceipt{Driver: "redis", MessageID: item.ID, DeliverAt: due}, nil
}

// ResumeDispatcher polls the DelayQueue and POSTs due tickets, signed, to the
// resume URL. Failed deliveries are retried with exponential backoff and
// dead-lettered after MaxRetries. Delivery is at least once: a ticket leaves
// the queue only after the endpoint answered.
type ResumeDispatcher struct {
	queue     DelayQueue
	signer    *TicketSigner
	header    string
	resumeURL string
	cfg       config.RedisQueueConf
	client    *http.Client
	logger    *logrus.Logger
	now       func() time.Time
}

func NewResumeDispatcher(queue DelayQueue, signer *TicketSigner, header, resumeURL string, cfg config.RedisQueueConf, logger *logrus.Logger) *ResumeDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.VisibilityTimeout <= cfg.Timeout {
		cfg.VisibilityTimeout = 2 * cfg.Timeout
	}
	if header == "" {
		header = "Upstash-Signature"
	}
	return &ResumeDispatcher{
		queue:     queue,
		signer:    signer,
		header:    header,
		resumeURL: resumeURL,
		cfg:       cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		now:    time.Now,
	}
}

// Run polls until ctx is cancelled.
func (d *ResumeDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	d.logger.Infof("dispatcher: polling every %s, delivering to %s", d.cfg.PollInterval, d.resumeURL)
	for {
		if _, err := d.Tick(ctx); err != nil {
			d.logger.Warnf("dispatcher: tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick delivers one batch of due tickets and returns how many were delivered.
// Cancelling ctx stops the batch; tickets in flight are handed back to the queue.
func (d *ResumeDispatcher) Tick(ctx context.Context) (int, error) {
	members, err := d.queue.Due(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, fmt.Errorf("load due tickets: %w", err)
	}
	delivered := 0
	for _, member := range members {
		if ctx.Err() != nil {
			break
		}
		now := d.now()
		ok, err := d.queue.Lease(ctx, member, now, now.Add(d.cfg.VisibilityTimeout))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return delivered, fmt.Errorf("lease ticket: %w", err)
		}
		if !ok {
			continue
		}
		if d.handle(ctx, member) {
			delivered++
		}
	}
	return delivered, nil
}

// settleCtx outlives shutdown so queue bookkeeping after a delivery attempt
// is never skipped.
func (d *ResumeDispatcher) settleCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func (d *ResumeDispatcher) handle(ctx context.Context, member string) bool {
	var item queuedTicket
	if err := json.Unmarshal([]byte(member), &item); err != nil {
		d.logger.Errorf("dispatcher: undecodable ticket dead-lettered: %v", err)
		d.deadLetter(ctx, member, member)
		return false
	}
	log := d.logger.WithFields(logrus.Fields{
		"automation_id": item.Ticket.AutomationID,
		"store_id":      item.Ticket.StoreID,
		"message_id":    item.ID,
		"attempt":       item.Attempts + 1,
	})

	err := d.deliver(ctx, item.Ticket)
	sctx, cancel := d.settleCtx(ctx)
	defer cancel()

	if err == nil {
		metrics.DispatchAttempts.WithLabelValues("delivered").Inc()
		if aerr := d.queue.Ack(sctx, member); aerr != nil {
			// 租约到期后会重投，恢复端去重
			log.Warnf("dispatcher: ack failed, ticket will be redelivered: %v", aerr)
		}
		log.Debug("dispatcher: ticket delivered")
		return true
	}

	if ctx.Err() != nil {
		// 关闭中断的投递不计入重试次数，立即归还
		metrics.DispatchAttempts.WithLabelValues("interrupted").Inc()
		if rerr := d.queue.Requeue(sctx, member, member, d.now()); rerr != nil {
			log.Warnf("dispatcher: release failed, ticket returns after its lease: %v", rerr)
		}
		return false
	}

	item.Attempts++
	buf, _ := json.Marshal(item)
	if item.Attempts > d.cfg.MaxRetries {
		metrics.DispatchAttempts.WithLabelValues("dead").Inc()
		log.Errorf("dispatcher: giving up after %d attempts: %v", item.Attempts, err)
		d.deadLetter(sctx, member, string(buf))
		return false
	}
	metrics.DispatchAttempts.WithLabelValues("retry").Inc()
	backoff := d.backoff(item.Attempts)
	log.Warnf("dispatcher: delivery failed, retrying in %s: %v", backoff, err)
	if rerr := d.queue.Requeue(sctx, member, string(buf), d.now().Add(backoff)); rerr != nil {
		log.Warnf("dispatcher: re-enqueue failed, ticket returns after its lease: %v", rerr)
	}
	return false
}

// backoff doubles per attempt, capped at one hour.
func (d *ResumeDispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.BaseBackoff
	for i := 1; i < attempt && b < time.Hour; i++ {
		b *= 2
	}
	if b > time.Hour {
		b = time.Hour
	}
	return b
}

// deliver POSTs one ticket. 404 and 409 mean the endpoint recorded the
// failure itself, so they count as delivered.
func (d *ResumeDispatcher) deliver(ctx context.Context, t ResumptionTicket) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.resumeURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.signer != nil {
		sig, err := d.signer.Sign(d.resumeURL, body)
		if err != nil {
			return err
		}
		req.Header.Set(d.header, sig)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusConflict:
		return nil
	default:
		return fmt.Errorf("resume endpoint returned status %d", resp.StatusCode)
	}
}

func (d *ResumeDispatcher) deadLetter(ctx context.Context, old, member string) {
	sctx, cancel := d.settleCtx(ctx)
	defer cancel()
	if err := d.queue.DeadLetter(sctx, old, member); err != nil {
		d.logger.Errorf("dispatcher: dead-letter failed, ticket returns after its lease: %v", err)
	}
}
