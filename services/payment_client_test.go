package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string) *PaymentServiceClient {
	return &PaymentServiceClient{
		BaseURL:     url,
		Token:       "test-token",
		Client:      &http.Client{Timeout: 2 * time.Second},
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
	}
}

func TestCreateHoldSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")

		var body struct {
			PayerID     string `json:"payer_id"`
			AmountCents int64  `json:"amount_cents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.PayerID != "user-1" || body.AmountCents != 5000 {
			t.Errorf("unexpected request body: %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"hold_ref": "hold-abc"})
	}))
	defer srv.Close()

	ref, err := newTestClient(srv.URL).CreateHold("user-1", 5000, map[string]string{"bounty_id": "b-1"})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}
	if ref != "hold-abc" {
		t.Errorf("hold ref = %q, want hold-abc", ref)
	}
	if gotKey != "hold:b-1:user-1" {
		t.Errorf("idempotency key = %q, want hold:b-1:user-1", gotKey)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestPostRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Release("hold-abc", "user-1", 2500)
	if err != nil {
		t.Fatalf("release should succeed after retries: %v", err)
	}
	if calls != 3 {
		t.Errorf("call count = %d, want 3", calls)
	}
}

func TestPostGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Refund("hold-abc", "test")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("call count = %d, want 3", calls)
	}
}

func TestPostDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"hold already refunded"}`))
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Release("hold-abc", "user-1", 2500)
	if err == nil {
		t.Fatal("expected error on 4xx")
	}
	if !strings.Contains(err.Error(), "422") {
		t.Errorf("error should carry the status code, got %v", err)
	}
	if calls != 1 {
		t.Errorf("call count = %d, want 1 (no retry on 4xx)", calls)
	}
}

func TestCreateHoldRejectsEmptyRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CreateHold("user-1", 5000, map[string]string{"bounty_id": "b-1"})
	if err == nil {
		t.Fatal("expected error for empty hold_ref")
	}
}
