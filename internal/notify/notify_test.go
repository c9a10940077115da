package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLogNotifierDoesNotBlock(t *testing.T) {
	n := NewLogNotifier(testLogger())
	// Must be safe with nil data and never panic.
	n.Notify(context.Background(), "u1", EventEscrowInitiated, nil)
	n.Notify(context.Background(), "u1", EventFundsReleased, map[string]string{"escrowId": "ESC-A"})
}

func TestHookNotifierDeliversSignedPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewHookNotifier(srv.URL, "hook_secret", testLogger())
	n.Notify(context.Background(), "seller1", EventFundsReleased, map[string]string{"escrowId": "ESC-A"})

	select {
	case r := <-received:
		body := <-bodies

		if got := r.Header.Get("X-Escrowpay-Event"); got != string(EventFundsReleased) {
			t.Errorf("event header = %q", got)
		}

		mac := hmac.New(sha256.New, []byte("hook_secret"))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		if got := r.Header.Get("X-Escrowpay-Signature"); got != want {
			t.Errorf("signature = %q, want %q", got, want)
		}

		var payload hookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.UserID != "seller1" || payload.Event != EventFundsReleased {
			t.Errorf("payload = %+v", payload)
		}
		if payload.Data["escrowId"] != "ESC-A" {
			t.Errorf("data = %v", payload.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestHookNotifierRetriesServerErrors(t *testing.T) {
	attempts := make(chan struct{}, 4)

	var failed int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts <- struct{}{}
		if failed < 1 {
			failed++
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewHookNotifier(srv.URL, "", testLogger())
	n.Notify(context.Background(), "u1", EventWalletCredited, nil)

	deadline := time.After(10 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-attempts:
		case <-deadline:
			t.Fatalf("saw %d attempts, want 2", i)
		}
	}
}
