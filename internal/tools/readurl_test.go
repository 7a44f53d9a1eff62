package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadURLDescribe(t *testing.T) {
	d := NewReadURL().Describe()
	if d.Name != "read_url" {
		t.Errorf("expected 'read_url', got %q", d.Name)
	}
	if d.Risk != "medium" {
		t.Errorf("expected medium risk, got %q", d.Risk)
	}
}

func TestReadURLInvoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "Clawterm/1.0" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><h1>Hello World</h1><p>This is a test.</p></body></html>`))
	}))
	defer server.Close()

	r := NewReadURL()
	args, _ := json.Marshal(map[string]string{"url": server.URL})
	result, err := r.Invoke(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "# Hello World") {
		t.Errorf("expected markdown heading in result, got %q", result)
	}
	if !strings.Contains(result, "This is a test") {
		t.Errorf("expected 'This is a test' in result, got %q", result)
	}
}

func TestReadURLMissingURL(t *testing.T) {
	r := NewReadURL()
	if _, err := r.Invoke(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing URL")
	}
}

func TestReadURLRejectsScheme(t *testing.T) {
	r := NewReadURL()
	if _, err := r.Invoke(context.Background(), json.RawMessage(`{"url":"file:///etc/passwd"}`)); err == nil {
		t.Fatal("expected error for file URL")
	}
}

func TestReadURLHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	args, _ := json.Marshal(map[string]string{"url": server.URL})
	_, err := NewReadURL().Invoke(context.Background(), args)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected status 404 error, got %v", err)
	}
}

func TestReadURLTruncation(t *testing.T) {
	long := strings.Repeat("x", 60000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><p>" + long + "</p></body></html>"))
	}))
	defer server.Close()

	r := NewReadURL()
	args, _ := json.Marshal(map[string]string{"url": server.URL})
	result, err := r.Invoke(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if len(result) > 51000 {
		t.Errorf("expected truncation, got length %d", len(result))
	}
	if !strings.HasSuffix(result, "[Content truncated]") {
		t.Error("expected truncation marker")
	}
}
