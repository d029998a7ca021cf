package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-go-golems/chatsync/pkg/conversation"
	"github.com/go-go-golems/chatsync/pkg/helpers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Client talks to the remote assistant service. It applies no timeouts of its
// own: every call is bounded by the context the caller passes in.
type Client struct {
	httpClient *http.Client
	BaseURL    string
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

func NewClient(baseURL string, options ...ClientOption) *Client {
	ret := &Client{
		httpClient: &http.Client{},
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrapf(err, "could not encode request for %s", path)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, errors.Wrapf(err, "could not build request for %s", path)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set(helpers.RequestIDHeader, helpers.RequestIDFromContext(ctx))
	return req, nil
}

// do sends the request and returns the open response for 2xx statuses. For
// any other status the body is drained and a StatusError returned.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyReadBytes))
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Path: path, Err: err}
	}
	return nil
}

func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, PathHealthCheck, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	// Any 2xx counts as healthy even when the body is not JSON.
	ret := &HealthResponse{}
	if err := json.NewDecoder(resp.Body).Decode(ret); err != nil {
		log.Debug().Err(err).Msg("health check returned a non-JSON body")
	}
	return ret, nil
}

func (c *Client) SaveConversation(ctx context.Context, userID, conversationID string, messages []conversation.Message) error {
	return c.doJSON(ctx, http.MethodPost, PathSaveConversation, &SaveConversationRequest{
		UserID:         userID,
		ConversationID: conversationID,
		Messages:       ToWireMessages(messages),
	}, nil)
}

func (c *Client) LoadConversation(ctx context.Context, userID, conversationID string) (*LoadConversationResponse, error) {
	ret := &LoadConversationResponse{}
	err := c.doJSON(ctx, http.MethodPost, PathLoadConversation, &LoadConversationRequest{
		UserID:         userID,
		ConversationID: conversationID,
	}, ret)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *Client) GenerateTitle(ctx context.Context, messages []conversation.Message) (string, error) {
	ret := &GenerateTitleResponse{}
	err := c.doJSON(ctx, http.MethodPost, PathGenerateTitle, &GenerateTitleRequest{
		Messages: conversation.History(messages),
	}, ret)
	if err != nil {
		return "", err
	}
	return ret.Title, nil
}

func (c *Client) SaveSettings(ctx context.Context, userID string, settings UserSettings) error {
	return c.doJSON(ctx, http.MethodPost, PathSaveSettings, &SaveSettingsRequest{
		UserID:   userID,
		Settings: settings,
	}, nil)
}

func (c *Client) LoadSettings(ctx context.Context, userID string) (*LoadSettingsResponse, error) {
	ret := &LoadSettingsResponse{}
	if err := c.doJSON(ctx, http.MethodPost, PathLoadSettings, &UserRequest{UserID: userID}, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *Client) DeleteAll(ctx context.Context, userID string) error {
	return c.doJSON(ctx, http.MethodPost, PathDeleteAll, &UserRequest{UserID: userID}, nil)
}

// OpenChatStream posts a chat request and returns the response body of the
// event stream. The caller must close it. Cancelling ctx aborts the read.
func (c *Client) OpenChatStream(ctx context.Context, path string, request *ChatRequest) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, request)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
