package ackclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSignTokenVerifyRoundTrip(t *testing.T) {
	key := []byte("test-signing-key")
	client := New(&Config{
		BaseURL:    "http://unused",
		SigningKey: key,
		ServiceID:  "consumer-orders",
		InstanceID: "consumer-orders-1",
	})

	token, err := client.signToken()
	if err != nil {
		t.Fatalf("signToken: %v", err)
	}

	serviceID, instanceID, err := Verify(key, token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if serviceID != "consumer-orders" || instanceID != "consumer-orders-1" {
		t.Fatalf("unexpected claims: service=%s instance=%s", serviceID, instanceID)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	client := New(&Config{
		SigningKey: []byte("key-a"),
		ServiceID:  "svc",
		InstanceID: "svc-1",
	})
	token, err := client.signToken()
	if err != nil {
		t.Fatalf("signToken: %v", err)
	}

	if _, _, err := Verify([]byte("key-b"), token); err == nil {
		t.Fatal("expected verification failure with mismatched key")
	}
}

func TestAcknowledgePostsSignedRequest(t *testing.T) {
	var gotAuth string
	var gotBody AckReport

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.SigningKey = []byte("shared-secret")
	cfg.ServiceID = "consumer-orders"
	cfg.InstanceID = "consumer-orders-1"
	client := New(cfg)

	report := AckReport{MessageID: "rec-1", ConsumerGroup: "billing", Success: true}
	if err := client.Acknowledge(context.Background(), report); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	if gotAuth == "" || gotAuth[:7] != "Bearer " {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
	if _, _, err := Verify(cfg.SigningKey, gotAuth[7:]); err != nil {
		t.Fatalf("server-observed token failed verification: %v", err)
	}
	if gotBody != report {
		t.Fatalf("expected body %+v, got %+v", report, gotBody)
	}
}

func TestAcknowledgePropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "message not found", http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.SigningKey = []byte("shared-secret")
	cfg.ServiceID = "consumer-orders"
	cfg.InstanceID = "consumer-orders-1"
	client := New(cfg)

	err := client.Acknowledge(context.Background(), AckReport{MessageID: "missing", ConsumerGroup: "billing", Success: true})
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
}
