package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier posts a DingTalk-robot-compatible markdown message to the
// configured URL. Any endpoint accepting the same JSON shape works.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) (*WebhookNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

type webhookPayload struct {
	MsgType  string          `json:"msgtype"`
	Markdown webhookMarkdown `json:"markdown"`
}

type webhookMarkdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

func (w *WebhookNotifier) Send(ctx context.Context, title, body string) error {
	payload := webhookPayload{
		MsgType: "markdown",
		Markdown: webhookMarkdown{
			Title: title,
			Text:  fmt.Sprintf("## %s\n\n%s\n\n*%s*", title, body, time.Now().UTC().Format(time.RFC3339)),
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json;charset=utf-8")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
