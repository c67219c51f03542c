package docstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const watchEventDocumentChange = "document-change"

// HTTPClientConfig describes how to reach a sync server.
type HTTPClientConfig struct {
	// BaseURL is the server root, for example "http://localhost:8080".
	BaseURL string
	// Token is the bearer token for every request. The stream endpoint
	// receives it as a query parameter instead, since EventSource-style
	// consumers cannot set headers.
	Token string
	// HTTPClient is optional; the default applies a 30 second timeout to
	// everything except the watch stream, which uses an untimed copy.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPClient is a Client backed by the sync server's REST API. Transport
// failures surface as ErrUnavailable so callers fall back to their local
// caches; the client never retries on its own.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient constructs an HTTPClient.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("docstore: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("docstore: invalid base url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	// the stream request stays open indefinitely
	streamClient := *client
	streamClient.Timeout = 0
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: base,
		token:   cfg.Token,
		http:    client,
		stream:  &streamClient,
		logger:  logger,
	}, nil
}

// Add implements Client.
func (c *HTTPClient) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	var response struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, c.collectionURL(collection, "documents"), data, &response)
	if err != nil {
		return "", err
	}
	return response.ID, nil
}

// Get implements Client.
func (c *HTTPClient) Get(ctx context.Context, collection, id string) (Document, error) {
	var response struct {
		ID   string         `json:"id"`
		Data map[string]any `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, c.collectionURL(collection, "documents", id), nil, &response)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: response.ID, Data: response.Data}, nil
}

// Update implements Client.
func (c *HTTPClient) Update(ctx context.Context, collection, id string, data map[string]any) error {
	return c.do(ctx, http.MethodPatch, c.collectionURL(collection, "documents", id), data, nil)
}

// Set implements Client.
func (c *HTTPClient) Set(ctx context.Context, collection, id string, data map[string]any) error {
	return c.do(ctx, http.MethodPut, c.collectionURL(collection, "documents", id), data, nil)
}

// Remove implements Client.
func (c *HTTPClient) Remove(ctx context.Context, collection, id string) error {
	return c.do(ctx, http.MethodDelete, c.collectionURL(collection, "documents", id), nil, nil)
}

// Query implements Client.
func (c *HTTPClient) Query(ctx context.Context, collection string, query Query) ([]Document, error) {
	var response struct {
		Documents []struct {
			ID   string         `json:"id"`
			Data map[string]any `json:"data"`
		} `json:"documents"`
	}
	err := c.do(ctx, http.MethodPost, c.collectionURL(collection, "query"), query, &response)
	if err != nil {
		return nil, err
	}
	documents := make([]Document, 0, len(response.Documents))
	for _, doc := range response.Documents {
		documents = append(documents, Document{ID: doc.ID, Data: doc.Data})
	}
	return documents, nil
}

// Watch implements Client. It opens the server's change stream and re-runs
// query after every matching event. The stream is not reconnected on
// failure; the handler's OnError fires once and the watch ends, leaving
// retry to the caller.
func (c *HTTPClient) Watch(ctx context.Context, collection string, query Query, handler WatchHandler) (func(), error) {
	streamURL := fmt.Sprintf("%s?access_token=%s", c.collectionURL(collection, "stream"), url.QueryEscape(c.token))
	watchCtx, cancel := context.WithCancel(ctx)

	request, err := http.NewRequestWithContext(watchCtx, http.MethodGet, streamURL, http.NoBody)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("docstore: stream request failed: %w", err)
	}
	response, err := c.stream.Do(request)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		cancel()
		return nil, c.statusError(response.StatusCode)
	}

	go c.consumeStream(watchCtx, response.Body, collection, query, handler)

	stop := func() {
		cancel()
	}
	return stop, nil
}

func (c *HTTPClient) consumeStream(ctx context.Context, body io.ReadCloser, collection string, query Query, handler WatchHandler) {
	defer body.Close()

	reader := bufio.NewReader(body)
	currentEvent := ""
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil && handler.OnError != nil {
				handler.OnError(fmt.Errorf("%w: %v", ErrUnavailable, err))
			}
			return
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "event:"):
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if currentEvent != watchEventDocumentChange {
				continue
			}
			documents, err := c.Query(ctx, collection, query)
			if err != nil {
				c.logger.Warn("watch re-query failed",
					zap.String("collection", collection), zap.Error(err))
				continue
			}
			if handler.OnChange != nil {
				handler.OnChange(documents)
			}
		}
	}
}

func (c *HTTPClient) do(ctx context.Context, method, requestURL string, payload any, out any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("docstore: request encoding failed: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return fmt.Errorf("docstore: request construction failed: %w", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return c.statusError(response.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("docstore: response decoding failed: %w", err)
	}
	return nil
}

func (c *HTTPClient) statusError(status int) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: http status %d", ErrNotFound, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: http status %d", ErrPermissionDenied, status)
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: http status %d", ErrUnavailable, status)
	default:
		return fmt.Errorf("docstore: unexpected http status %d", status)
	}
}

func (c *HTTPClient) collectionURL(collection string, parts ...string) string {
	segments := append([]string{c.baseURL, "v1", "collections", url.PathEscape(collection)}, parts...)
	return strings.Join(segments, "/")
}
