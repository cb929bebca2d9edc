package transport

import (
	"net/http"
	"testing"
	"time"
)

func TestNewClientHTTP1UsesConfiguredDialTimeout(t *testing.T) {
	t.Parallel()

	client := NewClient(KindHTTP1, 2*time.Second)
	tr, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Transport = %T, want *http.Transport", client.Transport)
	}
	if tr.MaxIdleConnsPerHost != 8 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 8", tr.MaxIdleConnsPerHost)
	}
}

func TestNewClientDefaultsToHTTP1(t *testing.T) {
	t.Parallel()

	client := NewClient(Kind("unknown"), time.Second)
	if _, ok := client.Transport.(*http.Transport); !ok {
		t.Errorf("unrecognized Kind should fall back to the http1 transport, got %T", client.Transport)
	}
}

func TestNewClientHTTP3ReturnsNonNilTransport(t *testing.T) {
	t.Parallel()

	client := NewClient(KindHTTP3, time.Second)
	if client.Transport == nil {
		t.Fatal("expected a non-nil Transport for KindHTTP3")
	}
}
