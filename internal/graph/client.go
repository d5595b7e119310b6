package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/lob-publisher/internal/auth"
	"github.com/oshokin/lob-publisher/internal/domain/lob"
	"github.com/oshokin/lob-publisher/internal/version"
)

const (
	// DefaultBaseURL is the beta endpoint of the management API.
	DefaultBaseURL = "https://graph.microsoft.com/beta"
	// DefaultCallTimeout bounds a single request.
	DefaultCallTimeout = time.Minute

	mobileAppsPath  = "deviceAppManagement/mobileApps"
	win32LobSegment = "microsoft.graph.win32LobApp"

	// RequestIDHeader is echoed by the service for correlation.
	RequestIDHeader = "request-id"
	// ClientRequestIDHeader is generated per request by the client.
	ClientRequestIDHeader = "client-request-id"

	maxErrorBody = 64 << 10
)

var (
	errTokenSourceRequired = errors.New("token source must be provided")
	errIDRequired          = errors.New("id must be provided")
)

// Client calls the mobile app endpoints of the management API.
type Client struct {
	// baseURL has no trailing slash.
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenSource

	// callTimeout is the default timeout for individual requests.
	callTimeout time.Duration
}

// Option configures client behaviour.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithCallTimeout sets a default timeout for service calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithBaseURL points the client at another endpoint, such as a test server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// New creates a client that authenticates with tokens.
func New(tokens auth.TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errTokenSourceRequired
	}

	client := &Client{
		baseURL:     DefaultBaseURL,
		httpClient:  http.DefaultClient,
		tokens:      tokens,
		callTimeout: DefaultCallTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// CreateApp registers a new Win32 app and returns it with the assigned id.
func (c *Client) CreateApp(ctx context.Context, app *lob.App) (*lob.App, error) {
	var created appWire
	if err := c.do(ctx, "create app", http.MethodPost, mobileAppsPath, toAppWire(app), &created); err != nil {
		return nil, err
	}

	return fromAppWire(&created), nil
}

// GetApp fetches an app by id.
func (c *Client) GetApp(ctx context.Context, appID string) (*lob.App, error) {
	if appID == "" {
		return nil, fmt.Errorf("get app: %w", errIDRequired)
	}

	var app appWire
	if err := c.do(ctx, "get app", http.MethodGet, appPath(appID), nil, &app); err != nil {
		return nil, err
	}

	return fromAppWire(&app), nil
}

// PatchApp points the app at a committed content version.
func (c *Client) PatchApp(ctx context.Context, appID, committedContentVersion string) error {
	if appID == "" {
		return fmt.Errorf("patch app: %w", errIDRequired)
	}

	body := &appWire{
		ODataType:               odataWin32LobApp,
		CommittedContentVersion: committedContentVersion,
	}

	return c.do(ctx, "patch app", http.MethodPatch, appPath(appID), body, nil)
}

// DeleteApp removes an app.
func (c *Client) DeleteApp(ctx context.Context, appID string) error {
	if appID == "" {
		return fmt.Errorf("delete app: %w", errIDRequired)
	}

	return c.do(ctx, "delete app", http.MethodDelete, appPath(appID), nil, nil)
}

// CreateContentVersion opens a new content version under the app.
func (c *Client) CreateContentVersion(ctx context.Context, appID string) (*lob.ContentVersion, error) {
	var created contentVersionWire
	if err := c.do(ctx, "create content version", http.MethodPost,
		versionsPath(appID), struct{}{}, &created); err != nil {
		return nil, err
	}

	return &lob.ContentVersion{ID: created.ID}, nil
}

// GetContentVersion fetches a content version.
func (c *Client) GetContentVersion(ctx context.Context, appID, versionID string) (*lob.ContentVersion, error) {
	var fetched contentVersionWire
	if err := c.do(ctx, "get content version", http.MethodGet,
		versionPath(appID, versionID), nil, &fetched); err != nil {
		return nil, err
	}

	return &lob.ContentVersion{ID: fetched.ID}, nil
}

// CreateContentFile registers the payload file under a content version.
func (c *Client) CreateContentFile(
	ctx context.Context,
	appID, versionID string,
	file *lob.ContentFile,
) (*lob.ContentFile, error) {
	var created contentFileWire
	if err := c.do(ctx, "create content file", http.MethodPost,
		filesPath(appID, versionID), toContentFileWire(file), &created); err != nil {
		return nil, err
	}

	return fromContentFileWire(&created), nil
}

// GetContentFile fetches the current state of a content file.
func (c *Client) GetContentFile(ctx context.Context, appID, versionID, fileID string) (*lob.ContentFile, error) {
	var file contentFileWire
	if err := c.do(ctx, "get content file", http.MethodGet,
		filePath(appID, versionID, fileID), nil, &file); err != nil {
		return nil, err
	}

	return fromContentFileWire(&file), nil
}

// CommitContentFile submits the encryption info and starts the server-side commit.
func (c *Client) CommitContentFile(
	ctx context.Context,
	appID, versionID, fileID string,
	info lob.EncryptionInfo,
) error {
	return c.do(ctx, "commit content file", http.MethodPost,
		filePath(appID, versionID, fileID)+"/commit", toCommitWire(info), nil)
}

// do sends one JSON request and decodes the response into out when it is not nil.
//
//nolint:cyclop // Request building and response classification belong together.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		if !errors.Is(err, lob.ErrAuthFailed) {
			err = fmt.Errorf("%w: %w", lob.ErrAuthFailed, err)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	var body io.Reader

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}

		body = bytes.NewReader(payload)
	}

	target := c.baseURL + "/" + path

	req, err := http.NewRequestWithContext(callCtx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(ClientRequestIDHeader, uuid.NewString())
	req.Header.Set("User-Agent", version.UserAgent())

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(op, method, target, resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}

	if carrier, ok := out.(requestIDCarrier); ok {
		carrier.setRequestID(resp.Header.Get(RequestIDHeader))
	}

	return nil
}

// requestIDCarrier is implemented by resources that keep the request-id of the response they came from.
type requestIDCarrier interface {
	setRequestID(id string)
}

// decodeError turns a failed response into a *lob.RemoteAPIError.
func decodeError(op, method, target string, resp *http.Response) error {
	apiErr := &lob.RemoteAPIError{
		Op:         op,
		Method:     method,
		URL:        redact(target),
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get(RequestIDHeader),
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var envelope errorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message

		if envelope.Error.InnerError.RequestID != "" {
			apiErr.RequestID = envelope.Error.InnerError.RequestID
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}

	return apiErr
}

// callContext returns a context with the client's call timeout if configured,
// otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}

// redact drops the query string so signed parameters never reach logs.
func redact(target string) string {
	parsed, err := url.Parse(target)
	if err != nil {
		return target
	}

	parsed.RawQuery = ""

	return parsed.String()
}

func appPath(appID string) string {
	return mobileAppsPath + "/" + url.PathEscape(appID)
}

func versionsPath(appID string) string {
	return appPath(appID) + "/" + win32LobSegment + "/contentVersions"
}

func versionPath(appID, versionID string) string {
	return versionsPath(appID) + "/" + url.PathEscape(versionID)
}

func filesPath(appID, versionID string) string {
	return versionPath(appID, versionID) + "/files"
}

func filePath(appID, versionID, fileID string) string {
	return filesPath(appID, versionID) + "/" + url.PathEscape(fileID)
}
