package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebhookSendsMarkdownPayload(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Errorf("content type = %s", ct)
		}
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(srv.URL)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := n.Send(context.Background(), "task t1 FAILED", "exit status 1 after 3 attempts"); err != nil {
		t.Fatalf("send: %v", err)
	}

	var payload struct {
		MsgType  string `json:"msgtype"`
		Markdown struct {
			Title string `json:"title"`
			Text  string `json:"text"`
		} `json:"markdown"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.MsgType != "markdown" {
		t.Fatalf("msgtype = %q", payload.MsgType)
	}
	if payload.Markdown.Title != "task t1 FAILED" {
		t.Fatalf("title = %q", payload.Markdown.Title)
	}
	if !strings.Contains(payload.Markdown.Text, "exit status 1 after 3 attempts") {
		t.Fatalf("text missing body: %q", payload.Markdown.Text)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(srv.URL)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := n.Send(context.Background(), "title", "body"); err == nil {
		t.Fatalf("expected error on 502 response")
	}
}

func TestWebhookEmptyURL(t *testing.T) {
	if _, err := NewWebhookNotifier(""); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

type flakyNotifier struct {
	fail  bool
	calls int
}

func (f *flakyNotifier) Send(ctx context.Context, title, body string) error {
	f.calls++
	if f.fail {
		return errors.New("down")
	}
	return nil
}

func TestMultiNotifierContinuesAfterFailure(t *testing.T) {
	bad := &flakyNotifier{fail: true}
	good := &flakyNotifier{}
	m := NewMultiNotifier(bad, good)

	err := m.Send(context.Background(), "t", "b")
	if err == nil {
		t.Fatalf("expected last error propagated")
	}
	if bad.calls != 1 || good.calls != 1 {
		t.Fatalf("all channels must be attempted: bad=%d good=%d", bad.calls, good.calls)
	}
}
