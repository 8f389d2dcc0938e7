package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/webhook-digest/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestSign(t *testing.T) {
	got := Sign("secret", []byte(`{"a":1}`))
	if !strings.HasPrefix(got, "sha256=") || len(got) != len("sha256=")+64 {
		t.Fatalf("Sign = %q, want sha256=<64 hex chars>", got)
	}
	if got != Sign("secret", []byte(`{"a":1}`)) {
		t.Error("Sign should be deterministic")
	}
	if got == Sign("other", []byte(`{"a":1}`)) {
		t.Error("different secrets should produce different signatures")
	}
}

func TestHTTPSender_Send_Success(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	s := NewHTTPSender(srv.Client(), 0, newTestLogger(&buf))
	s.newID = func() string { return "delivery-1" }

	body := []byte(`{"user_id":1}`)
	status, err := s.Send(context.Background(), model.WebhookTarget{URL: srv.URL, Secret: "k"}, body)
	if err != nil {
		t.Fatalf("Send がエラーを返した: %v", err)
	}
	if status != http.StatusAccepted {
		t.Errorf("status = %d, want 202", status)
	}
	if string(gotBody) != string(body) {
		t.Errorf("body = %s", gotBody)
	}
	if gotHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", gotHeaders.Get("Content-Type"))
	}
	if gotHeaders.Get(HeaderDeliveryID) != "delivery-1" {
		t.Errorf("%s = %q", HeaderDeliveryID, gotHeaders.Get(HeaderDeliveryID))
	}
	if gotHeaders.Get(HeaderSignature) != Sign("k", body) {
		t.Errorf("%s = %q", HeaderSignature, gotHeaders.Get(HeaderSignature))
	}
}

func TestHTTPSender_Send_NoSecretNoSignature(t *testing.T) {
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get(HeaderSignature)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	s := NewHTTPSender(srv.Client(), 0, newTestLogger(&buf))
	if _, err := s.Send(context.Background(), model.WebhookTarget{URL: srv.URL}, []byte(`{}`)); err != nil {
		t.Fatalf("Send がエラーを返した: %v", err)
	}
	if signature != "" {
		t.Errorf("signature = %q, want empty", signature)
	}
}

func TestHTTPSender_Send_Non2xxIsDeliveryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	s := NewHTTPSender(srv.Client(), 0, newTestLogger(&buf))
	status, err := s.Send(context.Background(), model.WebhookTarget{URL: srv.URL}, []byte(`{}`))

	var derr *model.DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want *model.DeliveryError", err)
	}
	if derr.StatusCode != http.StatusInternalServerError || status != http.StatusInternalServerError {
		t.Errorf("status = %d/%d, want 500", derr.StatusCode, status)
	}
}

func TestHTTPSender_Send_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := srv.Client()
	client.Timeout = 20 * time.Millisecond

	var buf bytes.Buffer
	s := NewHTTPSender(client, 0, newTestLogger(&buf))
	status, err := s.Send(context.Background(), model.WebhookTarget{URL: srv.URL}, []byte(`{}`))

	var derr *model.DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want *model.DeliveryError", err)
	}
	if status != 0 || derr.StatusCode != 0 {
		t.Errorf("status = %d, want 0 for a transport failure", status)
	}
}

func TestHTTPSender_Send_RateLimiterHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	var buf bytes.Buffer
	s := NewHTTPSender(srv.Client(), 0.001, newTestLogger(&buf))
	target := model.WebhookTarget{URL: srv.URL}

	// 最初の1件はバーストで即時送信される
	if _, err := s.Send(context.Background(), target, []byte(`{}`)); err != nil {
		t.Fatalf("first Send がエラーを返した: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Send(ctx, target, []byte(`{}`))
	var derr *model.DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want *model.DeliveryError from the limiter", err)
	}
}

func TestLogSender_Send(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(newTestLogger(&buf))

	status, err := s.Send(context.Background(), model.WebhookTarget{URL: "https://hooks.example.com"}, []byte(`{"a":1}`))
	if err != nil || status != http.StatusOK {
		t.Fatalf("Send = %d, %v", status, err)
	}
	if !strings.Contains(buf.String(), "hooks.example.com") {
		t.Errorf("log should mention the target: %s", buf.String())
	}
}
