package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGmailCodeFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		switch {
		case strings.HasSuffix(r.URL.Path, "/messages"):
			fmt.Fprint(w, `{"messages":[{"id":"m1"},{"id":"m2"}]}`)
		case strings.HasSuffix(r.URL.Path, "/messages/m1"):
			fmt.Fprint(w, `{"snippet":"Welcome to the newsletter"}`)
		case strings.HasSuffix(r.URL.Path, "/messages/m2"):
			fmt.Fprint(w, `{"snippet":"Your verification code is 482913"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	orig := gmailAPIBase
	gmailAPIBase = server.URL
	defer func() { gmailAPIBase = orig }()

	code, err := GmailCodeFetch()(context.Background(), "token-1")
	require.NoError(t, err)
	assert.Equal(t, "482913", code)
}

func TestGmailCodeFetchNoCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/messages") {
			fmt.Fprint(w, `{"messages":[]}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	orig := gmailAPIBase
	gmailAPIBase = server.URL
	defer func() { gmailAPIBase = orig }()

	_, err := GmailCodeFetch()(context.Background(), "token-1")
	assert.ErrorContains(t, err, "no verification code")
}

func TestGmailCodeFetchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer server.Close()

	orig := gmailAPIBase
	gmailAPIBase = server.URL
	defer func() { gmailAPIBase = orig }()

	_, err := GmailCodeFetch()(context.Background(), "token-1")
	assert.ErrorContains(t, err, "status 401")
}
