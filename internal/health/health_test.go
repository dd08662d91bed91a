package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vtuberkit/stagehand/internal/health"
)

func get(t *testing.T, mux *http.ServeMux, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return rec, body
}

func TestHealthzAlwaysOK(t *testing.T) {
	mux := http.NewServeMux()
	health.New(health.Checker{
		Name:  "broken",
		Check: func(context.Context) error { return errors.New("down") },
	}).Register(mux)

	rec, body := get(t, mux, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("healthz body = %v", body)
	}
}

func TestReadyzReportsPerCheck(t *testing.T) {
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "good", Check: func(context.Context) error { return nil }},
		health.Checker{Name: "bad", Check: func(context.Context) error { return errors.New("no backend") }},
	).Register(mux)

	rec, body := get(t, mux, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d", rec.Code)
	}
	if body["status"] != "fail" {
		t.Fatalf("readyz body = %v", body)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["good"] != "ok" {
		t.Errorf("good check = %v", checks["good"])
	}
	if checks["bad"] != "fail: no backend" {
		t.Errorf("bad check = %v", checks["bad"])
	}
}

func TestReadyzAllPassing(t *testing.T) {
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "a", Check: func(context.Context) error { return nil }},
	).Register(mux)

	rec, body := get(t, mux, "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("readyz body = %v", body)
	}
}
