// Package delivery sends replies to users through the Telegram Bot API.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ketobot/ketobot-stack/common/logging"
)

const (
	DefaultAPIURL    = "https://api.telegram.org"
	DefaultParseMode = "HTML"
	DefaultTimeout   = 10 * time.Second

	// MetaParseMode overrides the parse mode for one message.
	MetaParseMode = "parse_mode"

	ActionTyping = "typing"
)

// Result is the outcome of one send. A false OK is always retryable by the
// outbox sweep.
type Result struct {
	OK          bool
	Description string
}

// Sender delivers content to a chat.
type Sender interface {
	Send(ctx context.Context, channelRef int64, content string, metadata map[string]string) Result
	SendChatAction(ctx context.Context, channelRef int64, action string) error
}

type TelegramConfig struct {
	Token     string
	APIURL    string
	ParseMode string
	Timeout   time.Duration
}

// TelegramSender calls sendMessage and sendChatAction. Every call passes
// through one circuit breaker so a Telegram outage fails fast.
type TelegramSender struct {
	baseURL    string
	token      string
	parseMode  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	tracer     trace.Tracer
	logger     *logging.Logger
}

func NewTelegramSender(cfg TelegramConfig, logger *logging.Logger) *TelegramSender {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = DefaultParseMode
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}

	settings := gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit_breaker_state_changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &TelegramSender{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		token:      cfg.Token,
		parseMode:  cfg.ParseMode,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		tracer:     otel.Tracer("ketobot-delivery"),
		logger:     logger,
	}
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type chatActionRequest struct {
	ChatID int64  `json:"chat_id"`
	Action string `json:"action"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Send posts content to channelRef. It never returns an error: failures are
// reported in the Result so the caller can record them on the outbox entry.
func (s *TelegramSender) Send(ctx context.Context, channelRef int64, content string, metadata map[string]string) Result {
	ctx, span := s.tracer.Start(ctx, "telegram.send_message")
	defer span.End()
	span.SetAttributes(attribute.Int64("channel_ref", channelRef))

	parseMode := s.parseMode
	if pm, ok := metadata[MetaParseMode]; ok {
		parseMode = pm
	}

	resp, err := s.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:                channelRef,
		Text:                  content,
		ParseMode:             parseMode,
		DisableWebPagePreview: true,
	})
	if err != nil {
		span.RecordError(err)
		return Result{OK: false, Description: err.Error()}
	}
	if !resp.OK {
		return Result{OK: false, Description: describe(resp)}
	}
	return Result{OK: true}
}

// SendChatAction shows a chat action such as "typing".
func (s *TelegramSender) SendChatAction(ctx context.Context, channelRef int64, action string) error {
	resp, err := s.call(ctx, "sendChatAction", chatActionRequest{ChatID: channelRef, Action: action})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("telegram sendChatAction: %s", describe(resp))
	}
	return nil
}

// call runs one API method through the breaker. Transport failures, 5xx and
// 429 count against the breaker; other rejections come back as a non-ok
// response.
func (s *TelegramSender) call(ctx context.Context, method string, body any) (*apiResponse, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.post(ctx, method, body)
	})
	if err != nil {
		return nil, err
	}
	return out.(*apiResponse), nil
}

func (s *TelegramSender) post(ctx context.Context, method string, body any) (*apiResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", s.baseURL, s.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// The URL carries the token.
		return nil, fmt.Errorf("telegram %s: request failed: %w", method, stripURL(err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var out apiResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("telegram %s: http %d: %s", method, resp.StatusCode, describe(&out))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out.OK = false
		if out.Description == "" {
			out.Description = fmt.Sprintf("http %d", resp.StatusCode)
		}
	}
	return &out, nil
}

func describe(r *apiResponse) string {
	desc := strings.TrimSpace(r.Description)
	if desc == "" {
		desc = "request rejected"
	}
	if r.ErrorCode != 0 {
		return fmt.Sprintf("%d: %s", r.ErrorCode, desc)
	}
	return desc
}

func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
