package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"streamvis/internal/domain"
)

type payload struct {
	Value int `json:"value"`
}

func TestGetJSON_DecodesSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value": 42}`))
	}))
	defer srv.Close()

	c := New(DefaultTimeout, time.Millisecond, 10)
	var out payload
	if err := c.GetJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.Value != 42 {
		t.Fatalf("expected value=42, got %d", out.Value)
	}
}

func TestGetJSON_NonSuccessStatusReturnsTypedTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(DefaultTimeout, time.Millisecond, 10)
	var out payload
	err := c.GetJSON(context.Background(), srv.URL, &out)
	if err == nil {
		t.Fatalf("expected an error for a 503 response")
	}
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected a wrapped ErrTransport, got %v", err)
	}
}

func TestGetJSON_UndecodableBodyReturnsTypedSchemaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := New(DefaultTimeout, time.Millisecond, 10)
	var out payload
	err := c.GetJSON(context.Background(), srv.URL, &out)
	if err == nil {
		t.Fatalf("expected an error for an undecodable body")
	}
	if !errors.Is(err, domain.ErrSchema) {
		t.Fatalf("expected a wrapped ErrSchema, got %v", err)
	}
}

func TestGetJSON_TransportFailureNeverPanics(t *testing.T) {
	c := New(10*time.Millisecond, time.Millisecond, 10)
	var out payload
	err := c.GetJSON(context.Background(), "http://127.0.0.1:0/unreachable", &out)
	if err == nil {
		t.Fatalf("expected a transport error dialing an unreachable address")
	}
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected a wrapped ErrTransport, got %v", err)
	}
}

func TestGetJSON_ContextCancellationSurfacesAsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(DefaultTimeout, time.Millisecond, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	var out payload
	err := c.GetJSON(ctx, srv.URL, &out)
	if err == nil {
		t.Fatalf("expected an error from a canceled context")
	}
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected a wrapped ErrTransport, got %v", err)
	}
}
