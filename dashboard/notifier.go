// Package dashboard forwards input vector changes to the line dashboard,
// best effort, without ever holding up the scan loop.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"

	"github.com/hubertat/inspectio/mqtt"
)

const (
	defaultPostTimeout = 2 * time.Second
	defaultQueueSize   = 32
	breakerFailures    = 5
	breakerOpenFor     = 30 * time.Second
	breakerInterval    = time.Minute
)

type Config struct {
	URL         string
	PostTimeout time.Duration
	QueueSize   int
	// MqttTopic gets a copy of every vector when a publisher is set.
	MqttTopic string
}

type Notifier struct {
	cfg       Config
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[struct{}]
	publisher mqtt.Publisher
	queue     chan map[string]bool
	logger    *log.Logger
}

func NewNotifier(cfg Config) *Notifier {
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = defaultPostTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	n := &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.PostTimeout},
		queue:  make(chan map[string]bool, cfg.QueueSize),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          "dashboard: ",
			Level:           log.GetLevel(),
			ReportTimestamp: true,
		}),
	}

	n.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "dashboard",
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Warn("dashboard breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return n
}

func (n *Notifier) SetPublisher(p mqtt.Publisher) {
	n.publisher = p
}

// Notify queues a vector for delivery. A full queue drops the vector.
func (n *Notifier) Notify(inputs map[string]bool) {
	select {
	case n.queue <- inputs:
	default:
		n.logger.Warn("notification queue full, dropping input vector")
	}
}

// Run delivers queued vectors in order until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inputs := <-n.queue:
			n.deliver(ctx, inputs)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, inputs map[string]bool) {
	payload, err := json.Marshal(inputs)
	if err != nil {
		n.logger.Error("encode input vector", "err", err)
		return
	}

	if n.cfg.URL != "" {
		_, err := n.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, n.post(ctx, payload)
		})
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			n.logger.Debug("dashboard breaker open, vector skipped")
		case err != nil:
			n.logger.Warn("dashboard post failed", "err", err)
		}
	}

	if n.publisher != nil && n.cfg.MqttTopic != "" {
		if err := n.publisher.Publish(ctx, n.cfg.MqttTopic, payload); err != nil {
			n.logger.Warn("mqtt mirror failed", "err", err)
		}
	}
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "prepare dashboard request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post dashboard")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("dashboard answered %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) BreakerState() gobreaker.State {
	return n.breaker.State()
}
