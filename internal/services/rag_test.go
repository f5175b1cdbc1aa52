package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fullwhere/rag-web-ui/internal/models"
	"github.com/fullwhere/rag-web-ui/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRAGQuery(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    models.QueryResponse
		wantErr string
	}{
		{
			name:   "Answer with sources",
			status: http.StatusOK,
			body:   `{"answer":"X","sources":[{"content":"chunk","file":"data/a.md"},{"content":"bare"}]}`,
			want: models.QueryResponse{
				Answer: "X",
				Sources: []models.Source{
					{Content: "chunk", File: "data/a.md"},
					{Content: "bare"},
				},
			},
		},
		{
			name:   "Empty object",
			status: http.StatusOK,
			body:   `{}`,
			want:   models.QueryResponse{},
		},
		{
			name:    "Server error",
			status:  http.StatusInternalServerError,
			body:    `{"error":"Impossible de se connecter à OpenSearch."}`,
			wantErr: "Request failed with status code 500",
		},
		{
			name:    "Bad request",
			status:  http.StatusBadRequest,
			body:    `{"error":"empty query"}`,
			wantErr: "Request failed with status code 400",
		},
		{
			name:    "Malformed body",
			status:  http.StatusOK,
			body:    `<html>oops</html>`,
			wantErr: "invalid response: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got models.QueryRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			rag := services.NewRAG(srv.URL+"/query", srv.URL+"/ingest", 0, discardLogger())
			res, err := rag.Query(context.Background(), "What features are available?")

			assert.Equal(t, "What features are available?", got.Query)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, strings.HasPrefix(err.Error(), tt.wantErr), "error %q", err.Error())
				assert.NotContains(t, err.Error(), srv.URL)

				var reqErr *services.RequestError
				require.True(t, errors.As(err, &reqErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
		})
	}
}

func TestRAGQueryTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	rag := services.NewRAG(srv.URL, srv.URL, 50*time.Millisecond, discardLogger())
	_, err := rag.Query(context.Background(), "slow")

	require.Error(t, err)
	assert.Equal(t, "timeout of 50ms exceeded", err.Error())
}

func TestRAGQueryConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	rag := services.NewRAG(addr+"/query", addr+"/ingest", 0, discardLogger())
	_, err := rag.Query(context.Background(), "anyone?")

	require.Error(t, err)
	assert.Equal(t, "connect: connection refused", err.Error())
	assert.NotContains(t, err.Error(), strings.TrimPrefix(addr, "http://"))

	var reqErr *services.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Error(t, errors.Unwrap(reqErr), "the transport error stays available")
}

func TestRAGQueryConnectionDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	rag := services.NewRAG(srv.URL+"/query", srv.URL+"/ingest", time.Second, discardLogger())
	_, err := rag.Query(context.Background(), "anyone?")

	require.Error(t, err)
	// A close that races the unread request body surfaces as a reset.
	assert.Contains(t, []string{"Network Error", "read: connection reset by peer"}, err.Error())
	assert.NotContains(t, err.Error(), strings.TrimPrefix(srv.URL, "http://"))
}

func TestRAGQueryCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rag := services.NewRAG(srv.URL, srv.URL, 0, discardLogger())
	_, err := rag.Query(ctx, "q")

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "context canceled", err.Error())
}

func TestRAGIngest(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus string
		wantErr    string
	}{
		{
			name:       "Success",
			status:     http.StatusOK,
			body:       `{"status":"Ingestion terminée avec succès."}`,
			wantStatus: "Ingestion terminée avec succès.",
		},
		{
			name:    "Failure with message",
			status:  http.StatusInternalServerError,
			body:    `{"error":"Erreur pendant l'ingestion: boom"}`,
			wantErr: "Request failed with status code 500: Erreur pendant l'ingestion: boom",
		},
		{
			name:    "Failure without body",
			status:  http.StatusBadGateway,
			wantErr: "Request failed with status code 502",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/ingest", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			rag := services.NewRAG(srv.URL+"/query", srv.URL+"/ingest", 0, discardLogger())
			status, err := rag.Ingest(context.Background())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}
