package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storeflow/internal/config"
	"storeflow/internal/metrics"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPScheduler publishes tickets to a QStash-compatible push scheduler which
// calls the resume URL back after the delay, signed and with retries.
type HTTPScheduler struct {
	baseURL   string
	token     string
	resumeURL string
	retries   int
	client    *http.Client
	breaker   *SchedulerBreaker
	logger    *logrus.Logger
}

func NewHTTPScheduler(cfg config.QStashConfig, resumeURL string, logger *logrus.Logger) *HTTPScheduler {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPScheduler{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		resumeURL: resumeURL,
		retries:   cfg.Retries,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: NewSchedulerBreaker(BreakerConfig{
			MaxFailures: cfg.MaxFailures,
			OpenTimeout: cfg.BreakerTimeout,
		}),
		logger: logger,
	}
}

// Breaker exposes the guard for readiness reporting.
func (s *HTTPScheduler) Breaker() *SchedulerBreaker { return s.breaker }

type publishResponse struct {
	MessageID string `json:"messageId"`
}

// Schedule publishes the ticket. The push scheduler only accepts whole seconds,
// so the delay is rounded up.
func (s *HTTPScheduler) Schedule(ctx context.Context, ticket ResumptionTicket, delay time.Duration) (ScheduleReceipt, error) {
	if s.token == "" {
		return ScheduleReceipt{}, fmt.Errorf("qstash token not configured")
	}
	body, err := json.Marshal(ticket)
	if err != nil {
		return ScheduleReceipt{}, fmt.Errorf("encode ticket: %w", err)
	}
	seconds := int64(math.Ceil(delay.Seconds()))
	if seconds < 1 {
		seconds = 1
	}

	var receipt ScheduleReceipt
	err = s.breaker.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v2/publish/"+s.resumeURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+s.token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Upstash-Delay", strconv.FormatInt(seconds, 10)+"s")
		if s.retries > 0 {
			req.Header.Set("Upstash-Retries", strconv.Itoa(s.retries))
		}
		// the scheduler dedups identical tickets on its side as well
		req.Header.Set("Upstash-Deduplication-Id", fmt.Sprintf("%d-%s-%d", ticket.AutomationID, ticket.DedupKey(), ticket.ResumeFromIndex))

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("%w: status %d: %s", ErrSchedulerRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		var pr publishResponse
		_ = json.Unmarshal(raw, &pr)
		receipt = ScheduleReceipt{
			Driver:    "qstash",
			MessageID: pr.MessageID,
			DeliverAt: time.Now().Add(time.Duration(seconds) * time.Second).UTC(),
		}
		return nil
	})
	if err != nil {
		metrics.ScheduleFailures.WithLabelValues("qstash").Inc()
		s.logger.WithFields(logrus.Fields{
			"automation_id": ticket.AutomationID,
			"breaker":       s.breaker.State().String(),
		}).Warnf("scheduler: qstash publish failed: %v", err)
		return ScheduleReceipt{}, err
	}
	return receipt, nil
}
