// Package telegram is the Bot API client used for every outbound message.
// Calls are single-attempt; retries and budgets come from the outbound
// executor.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client talks to the Telegram Bot API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Bot API client. The HTTP client carries no timeout of
// its own; every call runs under the caller's context deadline.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
		logger:  logger,
	}
}

// SendMessage is the payload for the sendMessage method.
type SendMessage struct {
	ChatID      int64                 `json:"chat_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendMedia addresses one media artifact by URL; Telegram fetches it.
type SendMedia struct {
	ChatID      int64
	URL         string
	Caption     string
	ReplyMarkup *InlineKeyboardMarkup
}

// Send sends a text message.
func (c *Client) Send(ctx context.Context, msg SendMessage) (*Message, error) {
	var sent Message
	if err := c.call(ctx, "sendMessage", msg, &sent); err != nil {
		return nil, err
	}
	return &sent, nil
}

// SendPhoto delivers an image by URL.
func (c *Client) SendPhoto(ctx context.Context, media SendMedia) (*Message, error) {
	return c.sendMedia(ctx, "sendPhoto", "photo", media)
}

// SendVideo delivers a video by URL.
func (c *Client) SendVideo(ctx context.Context, media SendMedia) (*Message, error) {
	return c.sendMedia(ctx, "sendVideo", "video", media)
}

// SendAudio delivers an audio file by URL.
func (c *Client) SendAudio(ctx context.Context, media SendMedia) (*Message, error) {
	return c.sendMedia(ctx, "sendAudio", "audio", media)
}

// SendDocument delivers a file by URL.
func (c *Client) SendDocument(ctx context.Context, media SendMedia) (*Message, error) {
	return c.sendMedia(ctx, "sendDocument", "document", media)
}

func (c *Client) sendMedia(ctx context.Context, method, field string, media SendMedia) (*Message, error) {
	payload := map[string]any{
		"chat_id": media.ChatID,
		field:     media.URL,
	}
	if media.Caption != "" {
		payload["caption"] = media.Caption
	}
	if media.ReplyMarkup != nil {
		payload["reply_markup"] = media.ReplyMarkup
	}

	var sent Message
	if err := c.call(ctx, method, payload, &sent); err != nil {
		return nil, err
	}
	return &sent, nil
}

// AnswerCallbackQuery acknowledges a button press so the client stops
// showing its progress spinner.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

// GetMe verifies the bot token and returns the bot account.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// apiResponse is the Bot API answer envelope.
type apiResponse struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Description string              `json:"description,omitempty"`
	Parameters  *responseParameters `json:"parameters,omitempty"`
}

type responseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, payload, result any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	// The Bot API reports errors in the body envelope; the HTTP status
	// mirrors error_code and is not inspected separately.
	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode %s response (status %d): %w", method, resp.StatusCode, err)
	}

	if !envelope.OK {
		apiErr := &APIError{
			Code:        envelope.ErrorCode,
			Description: envelope.Description,
		}
		if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
			apiErr.retryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}

	c.logger.Debug("Telegram call succeeded", slog.String("method", method))
	return nil
}
