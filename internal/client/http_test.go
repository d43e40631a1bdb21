package client

import (
	"net/http"
	"testing"
	"time"
)

func TestInitHTTPClientFillsDefaults(t *testing.T) {
	sharedClient = nil
	clientInitialized = false

	InitHTTPClient(&Config{})
	c := GetHTTPClient()

	tr, ok := c.Transport.(*http.Transport)
	if !ok || tr == nil {
		t.Fatalf("expected *http.Transport, got %T", c.Transport)
	}
	if tr.MaxIdleConns == 0 {
		t.Fatalf("expected MaxIdleConns defaulted, got %d", tr.MaxIdleConns)
	}
	if tr.MaxIdleConnsPerHost == 0 {
		t.Fatalf("expected MaxIdleConnsPerHost defaulted, got %d", tr.MaxIdleConnsPerHost)
	}
	if tr.TLSHandshakeTimeout == 0 {
		t.Fatalf("expected TLSHandshakeTimeout defaulted, got %v", tr.TLSHandshakeTimeout)
	}
	if c.Timeout != 0 {
		t.Fatalf("expected no overall request timeout by default, got %v", c.Timeout)
	}
}

func TestInitHTTPClientKeepsRequestTimeout(t *testing.T) {
	sharedClient = nil
	clientInitialized = false

	InitHTTPClient(&Config{RequestTimeout: 42 * time.Second})
	if got := GetHTTPClient().Timeout; got != 42*time.Second {
		t.Fatalf("expected request timeout 42s, got %v", got)
	}
}

func TestGetHTTPClientLazyInit(t *testing.T) {
	sharedClient = nil
	clientInitialized = false

	c := GetHTTPClient()
	if c == nil {
		t.Fatal("expected lazily initialized client")
	}
	if GetHTTPClient() != c {
		t.Fatal("expected the same shared client on subsequent calls")
	}
}
