package urlhealth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheck_Valid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := NewValidator(5*time.Second, 5)
	result := v.Check(context.Background(), srv.URL)

	assert.Equal(t, StatusValid, result.Status)
	assert.Equal(t, http.StatusOK, result.HTTPStatus)
	assert.True(t, result.Healthy())
}

func TestCheck_Redirected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := NewValidator(5*time.Second, 5)
	result := v.Check(context.Background(), srv.URL+"/old")

	assert.Equal(t, StatusRedirected, result.Status)
	assert.Equal(t, srv.URL+"/new", result.FinalURL)
	assert.True(t, result.Healthy())
}

func TestCheck_Broken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	v := NewValidator(5*time.Second, 5)
	result := v.Check(context.Background(), srv.URL)

	assert.Equal(t, StatusBroken, result.Status)
	assert.Equal(t, http.StatusNotFound, result.HTTPStatus)
	assert.False(t, result.Healthy())
}

func TestCheck_RedirectBudgetExhausted(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Redirect loop
		http.Redirect(w, r, srv.URL, http.StatusFound)
	}))
	defer srv.Close()

	v := NewValidator(5*time.Second, 3)
	result := v.Check(context.Background(), srv.URL)

	assert.Equal(t, StatusBroken, result.Status)
	assert.Error(t, result.Err)
}

func TestCheck_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	v := NewValidator(time.Second, 5)
	result := v.Check(context.Background(), srv.URL)

	assert.Equal(t, StatusBroken, result.Status)
	assert.Error(t, result.Err)
}
