package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStaticTokenValidator(t *testing.T) {
	validator := NewStaticTokenValidator(" ops-1 , ,ops-2")
	if !validator.Enabled() {
		t.Fatal("expected validator to be enabled")
	}
	for _, token := range []string{"ops-1", "ops-2"} {
		if !validator.Validate(context.Background(), token) {
			t.Fatalf("Validate(%q) = false", token)
		}
	}
	if validator.Validate(context.Background(), "ops-3") {
		t.Fatal("expected unknown token to be rejected")
	}
}

func TestEmptyValidatorRejectsEverything(t *testing.T) {
	validator := NewStaticTokenValidator("")
	if validator.Enabled() {
		t.Fatal("expected validator to be disabled")
	}
	if validator.Validate(context.Background(), "") {
		t.Fatal("expected empty token to be rejected")
	}
}

func TestMiddlewareRequiresToken(t *testing.T) {
	mw := Middleware(slog.New(slog.NewJSONHandler(io.Discard, nil)), NewStaticTokenValidator("ops-1"))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/workers", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/workers", nil)
	req.Header.Set("X-Ops-Token", "wrong")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestMiddlewareAcceptsHeaderAndBearer(t *testing.T) {
	mw := Middleware(nil, NewStaticTokenValidator("ops-1"))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/workers", nil)
	req.Header.Set("X-Ops-Token", "ops-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("header status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/workers", nil)
	req.Header.Set("Authorization", "Bearer ops-1")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("bearer status = %d", rr.Code)
	}
}
