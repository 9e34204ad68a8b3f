package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const webhookResponseLimit = 4 << 10

// RegisterBuiltinActions installs the engine's own action kinds: log and webhook.
// A nil client gets an otelhttp-instrumented client with a 15s timeout.
func RegisterBuiltinActions(reg *ActionRegistry, logger *logrus.Logger, client *http.Client) {
	if logger == nil {
		logger = logrus.New()
	}
	if client == nil {
		client = &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	reg.MustRegister("log", &logAction{logger: logger})
	reg.MustRegister("webhook", &webhookAction{client: client})
}

type logAction struct {
	logger *logrus.Logger
}

func (a *logAction) Validate(map[string]interface{}) error { return nil }

func (a *logAction) Execute(ctx context.Context, call ActionCall) (map[string]interface{}, error) {
	msg := strings.TrimSpace(cast.ToString(call.Params["message"]))
	if msg == "" {
		msg = "automation step"
	}
	entry := a.logger.WithFields(logrus.Fields{
		"automation_id": call.Automation.ID,
		"store_id":      call.Automation.StoreID,
		"run_id":        call.RunID,
		"index":         call.Index,
	})
	switch strings.ToLower(cast.ToString(call.Params["level"])) {
	case "warn", "warning":
		entry.Warn(msg)
	case "debug":
		entry.Debug(msg)
	default:
		entry.Info(msg)
	}
	return map[string]interface{}{"message": msg}, nil
}

// webhookAction POSTs the event payload (or params.body) as JSON to params.url.
// Any non-2xx response fails the action.
type webhookAction struct {
	client *http.Client
}

func (a *webhookAction) Validate(params map[string]interface{}) error {
	raw := strings.TrimSpace(cast.ToString(params["url"]))
	if raw == "" {
		return fmt.Errorf("%w: webhook url is required", ErrInvalidAction)
	}
	// templated urls are checked at execution time
	if strings.Contains(raw, "{{") {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhook url %q is not an http(s) url", ErrInvalidAction, raw)
	}
	return nil
}

func (a *webhookAction) Execute(ctx context.Context, call ActionCall) (map[string]interface{}, error) {
	target := strings.TrimSpace(cast.ToString(call.Params["url"]))
	if err := a.Validate(map[string]interface{}{"url": target}); err != nil {
		return nil, err
	}
	method := strings.ToUpper(strings.TrimSpace(cast.ToString(call.Params["method"])))
	if method == "" {
		method = http.MethodPost
	}

	var body interface{} = call.Event.Payload
	if b, ok := call.Params["body"]; ok {
		body = b
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cast.ToStringMapString(call.Params["headers"]) {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, webhookResponseLimit))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"response":    string(respBody),
	}, nil
}
