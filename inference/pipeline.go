// Package inference runs one trigger against the local prediction service and
// reports the verdict on the pass/fail outputs.
package inference

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hubertat/inspectio/presets"
)

var (
	ErrTokenUnavailable    = errors.New("auth token unavailable")
	ErrInferenceCallFailed = errors.New("inference call failed")
)

const (
	defaultCallTimeout   = 2 * time.Second
	defaultPulseDuration = 500 * time.Millisecond
	defaultTokenKind     = "inference"
	maxResponseBytes     = 1 << 20
	passFailField        = "passFail"
)

type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
	VerdictNone Verdict = ""
)

type TokenSource interface {
	Token(ctx context.Context, kind string) (string, error)
}

// Pulser drives an output high for a dwell and low again, keeping the pin
// state record in step.
type Pulser interface {
	Pulse(ctx context.Context, pin int, dwell time.Duration) error
}

// Caller describes who asked for the trigger.
type Caller struct {
	Source      string
	Workstation string
	Extra       url.Values
}

type Result struct {
	TriggerID string
	PassFail  Verdict
	Body      map[string]any
}

type Config struct {
	StandardURL   string
	ThermalURL    string
	Timeout       time.Duration
	PulseDuration time.Duration
	PassPin       int
	FailPin       int
	TokenKind     string
}

type Pipeline struct {
	cfg      Config
	tokens   TokenSource
	pins     Pulser
	client   *http.Client
	recorder Recorder
	logger   *log.Logger
}

func NewPipeline(cfg Config, tokens TokenSource, pins Pulser) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.PulseDuration <= 0 {
		cfg.PulseDuration = defaultPulseDuration
	}
	if cfg.TokenKind == "" {
		cfg.TokenKind = defaultTokenKind
	}

	return &Pipeline{
		cfg:      cfg,
		tokens:   tokens,
		pins:     pins,
		client:   &http.Client{Timeout: cfg.Timeout},
		recorder: nopRecorder{},
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          "inference: ",
			Level:           log.GetLevel(),
			ReportTimestamp: true,
		}),
	}
}

func (p *Pipeline) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	p.recorder = r
}

func (p *Pipeline) SetLogger(l *log.Logger) {
	p.logger = l
}

// Trigger runs preset once. A PASS or FAIL verdict pulses the matching output;
// on any error before a verdict no pin is touched.
func (p *Pipeline) Trigger(ctx context.Context, preset presets.Preset, caller Caller) (Result, error) {
	started := time.Now()
	result := Result{TriggerID: uuid.NewString()}
	logger := p.logger.With("trigger", result.TriggerID, "key", preset.TriggerKey, "preset", preset.PresetID, "source", caller.Source)

	err := p.run(ctx, preset, caller, &result, logger)

	p.recorder.Record(Record{
		TriggerID: result.TriggerID,
		Preset:    preset,
		Caller:    caller,
		PassFail:  result.PassFail,
		Duration:  time.Since(started),
		Err:       err,
	})

	if err != nil {
		logger.Warn("trigger failed", "err", err)
		return result, err
	}
	logger.Info("trigger done", "passFail", string(result.PassFail), "took", time.Since(started))
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, preset presets.Preset, caller Caller, result *Result, logger *log.Logger) error {
	token, err := p.tokens.Token(ctx, p.cfg.TokenKind)
	if err != nil {
		if errors.Is(err, ErrTokenUnavailable) {
			return err
		}
		return errors.Wrapf(ErrTokenUnavailable, "%v", err)
	}
	if token == "" {
		return errors.Wrap(ErrTokenUnavailable, "empty token")
	}

	reqURL, err := p.requestURL(preset, caller)
	if err != nil {
		return err
	}
	logger.Debug("calling prediction service", "url", reqURL)

	result.Body, err = p.call(ctx, reqURL, token)
	if err != nil {
		return err
	}

	result.PassFail = verdictOf(result.Body)
	switch result.PassFail {
	case VerdictPass:
		err = p.pins.Pulse(ctx, p.cfg.PassPin, p.cfg.PulseDuration)
	case VerdictFail:
		err = p.pins.Pulse(ctx, p.cfg.FailPin, p.cfg.PulseDuration)
	}
	return errors.Wrapf(err, "pulse %s output", result.PassFail)
}

func (p *Pipeline) requestURL(preset presets.Preset, caller Caller) (string, error) {
	base := p.cfg.StandardURL
	if preset.TargetService == presets.ServiceThermal {
		base = p.cfg.ThermalURL
	}

	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + url.PathEscape(preset.CameraID))
	if err != nil {
		return "", errors.Wrapf(ErrInferenceCallFailed, "bad %s service url %q: %v", preset.TargetService, base, err)
	}

	query := u.Query()
	query.Set("model", preset.ModelName)
	query.Set("version", preset.ModelVersion)
	query.Set("preset", preset.PresetID)
	if caller.Workstation != "" {
		query.Set("workstation", caller.Workstation)
	}
	for key, values := range caller.Extra {
		for _, v := range values {
			query.Add(key, v)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (p *Pipeline) call(ctx context.Context, reqURL string, token string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrInferenceCallFailed, "prepare request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrInferenceCallFailed, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, errors.Wrapf(ErrInferenceCallFailed, "prediction service answered %d", resp.StatusCode)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	dec.UseNumber()
	body := make(map[string]any)
	if err := dec.Decode(&body); err != nil {
		return nil, errors.Wrapf(ErrInferenceCallFailed, "decode response: %v", err)
	}
	return body, nil
}

func verdictOf(body map[string]any) Verdict {
	value, _ := body[passFailField].(string)
	switch Verdict(value) {
	case VerdictPass:
		return VerdictPass
	case VerdictFail:
		return VerdictFail
	}
	return VerdictNone
}
