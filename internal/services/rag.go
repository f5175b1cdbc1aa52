package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/fullwhere/rag-web-ui/internal/models"
)

// RAG is a client of the retrieval-augmented answering service. It implements chat.Querier.
type RAG struct {
	queryURL  string
	ingestURL string
	timeout   time.Duration

	client *http.Client

	logger *slog.Logger
}

// RequestError is returned for every failed call to the answering service. Its message is meant
// for the user and never contains the endpoint address; the underlying error, when there is one,
// is available through errors.Unwrap.
type RequestError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

const errLoggerKey = "err"

// networkErrorText describes transport failures that carry no system call error.
const networkErrorText = "Network Error"

// maxErrorBody bounds how much of a failed response is read for logging.
const maxErrorBody = 4 << 10

// NewRAG creates a client posting questions to queryURL and ingestion triggers to ingestURL. A
// zero timeout leaves requests to run until the transport gives up.
func NewRAG(queryURL, ingestURL string, timeout time.Duration, logger *slog.Logger) RAG {
	return RAG{
		queryURL:  queryURL,
		ingestURL: ingestURL,
		timeout:   timeout,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With(slog.String("module", "rag")),
	}
}

// Query posts the question to the query endpoint and decodes the answer. Any failure, including
// a non-2xx status or a body that is not the expected JSON, is returned as a *RequestError.
func (r RAG) Query(ctx context.Context, query string) (models.QueryResponse, error) {
	body, err := json.Marshal(models.QueryRequest{Query: query})
	if err != nil {
		return models.QueryResponse{}, &RequestError{Message: "invalid request: " + err.Error(), Err: err}
	}

	resp, err := r.do(ctx, r.queryURL, body)
	if err != nil {
		return models.QueryResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.QueryResponse{}, r.statusError(resp)
	}

	var res models.QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.QueryResponse{}, &RequestError{Message: "invalid response: " + err.Error(), Err: err}
	}

	r.logger.Debug("Query answered",
		slog.Int("answerLength", len(res.Answer)),
		slog.Int("sources", len(res.Sources)))

	return res, nil
}

// Ingest asks the answering service to (re)ingest its documents and returns the status it
// reports.
func (r RAG) Ingest(ctx context.Context) (string, error) {
	resp, err := r.do(ctx, r.ingestURL, []byte("{}"))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res models.IngestResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&res)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("Request failed with status code %d", resp.StatusCode)
		if decodeErr == nil && res.Error != "" {
			msg += ": " + res.Error
		}
		return "", &RequestError{Message: msg, StatusCode: resp.StatusCode}
	}
	if decodeErr != nil {
		return "", &RequestError{Message: "invalid response: " + decodeErr.Error(), Err: decodeErr}
	}

	return res.Status, nil
}

func (r RAG) do(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Message: "invalid request: " + err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("Request failed",
			slog.String("endpoint", endpoint),
			slog.String(errLoggerKey, err.Error()))
		return nil, &RequestError{Message: r.describe(err), Err: err}
	}
	return resp, nil
}

func (r RAG) statusError(resp *http.Response) error {
	// The service reports its own failures as {"error": "..."}; that text stays in the logs.
	var res models.IngestResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&res); err == nil && res.Error != "" {
		r.logger.Warn("Answering service returned an error",
			slog.Int("status", resp.StatusCode),
			slog.String(errLoggerKey, res.Error))
	}
	return &RequestError{
		Message:    fmt.Sprintf("Request failed with status code %d", resp.StatusCode),
		StatusCode: resp.StatusCode,
	}
}

// describe turns a transport error into a message without the address of the service. Dial and
// I/O failures keep their system call error ("connect: connection refused"); anything else reads
// "Network Error".
func (r RAG) describe(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if r.timeout > 0 {
			return fmt.Sprintf("timeout of %s exceeded", r.timeout)
		}
		return "timeout exceeded"
	}

	if errors.Is(err, context.Canceled) {
		return context.Canceled.Error()
	}

	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return sysErr.Error()
	}
	return networkErrorText
}
