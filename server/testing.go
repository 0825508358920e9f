/*
	This file contains functions useful for testing the server from other packages.
	Functions in *_test.go files aren't visible to test files of external packages,
	so these are exported and contain the "Test" keyword.
*/

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/janelia-flyem/slidetile/datastore"
)

// OpenTestService returns a service on in-memory stores that is closed
// when the test ends.  A nil config uses DefaultConfig.
func OpenTestService(t *testing.T, c *Config) *Service {
	s, err := NewService(c)
	if err != nil {
		t.Fatalf("can't open test service: %v\n", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("error closing test service: %v\n", err)
		}
	})
	return s
}

// TestHTTPResponse returns a response from a test run of the service.
// Use TestHTTP if you just want the response body bytes.
func TestHTTPResponse(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader) *httptest.ResponseRecorder {
	req, err := http.NewRequest(method, urlStr, payload)
	if err != nil {
		t.Fatalf("Unsuccessful %s on %q: %v\n", method, urlStr, err)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

// TestHTTP returns the response body bytes for a test request, making sure any response has
// status OK.
func TestHTTP(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader) []byte {
	resp := TestHTTPResponse(t, h, method, urlStr, payload)
	if resp.Code != http.StatusOK {
		t.Fatalf("Bad server response (%d) to %s on %q: %s\n", resp.Code, method, urlStr, resp.Body.String())
	}
	return resp.Body.Bytes()
}

// TestBadHTTP expects a HTTP response with the given error status code.
func TestBadHTTP(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader, status int) []byte {
	resp := TestHTTPResponse(t, h, method, urlStr, payload)
	if resp.Code != status {
		t.Fatalf("Expected status %d to %s on %q, got %d instead: %s\n", status, method, urlStr, resp.Code, resp.Body.String())
	}
	return resp.Body.Bytes()
}

// NewTestStore creates a registry store through the HTTP API and returns it.
func NewTestStore(t *testing.T, h http.Handler, name string) datastore.StoreRecord {
	body := fmt.Sprintf(`{"name": %q}`, name)
	r := TestHTTP(t, h, "POST", WebAPIPath+"stores", bytes.NewBufferString(body))
	var rec datastore.StoreRecord
	if err := json.Unmarshal(r, &rec); err != nil {
		t.Fatalf("Couldn't decode JSON response to new store request: %v\n", err)
	}
	return rec
}

// NewTestImage generates a quadrant test image in a store's root directory.
func NewTestImage(t *testing.T, h http.Handler, storeID uint32, name string, width, height, levels int) datastore.Node {
	url := fmt.Sprintf("%sstore/%d/generate?generator=quadrants&name=%s&width=%d&height=%d&levels=%d",
		WebAPIPath, storeID, name, width, height, levels)
	r := TestHTTP(t, h, "POST", url, nil)
	var node datastore.Node
	if err := json.Unmarshal(r, &node); err != nil {
		t.Fatalf("Couldn't decode JSON response to generate request: %v\n", err)
	}
	return node
}
