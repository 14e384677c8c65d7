package line

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// textMessage is the only outbound message shape this service produces.
type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type replyRequest struct {
	ReplyToken string        `json:"replyToken"`
	Messages   []textMessage `json:"messages"`
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

// credentialsPayload is the expected JSON shape stored in SSM for the channel
// credentials.
type credentialsPayload struct {
	AccessToken string `json:"access_token"`
	Secret      string `json:"secret"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx responses from the messaging API.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("line: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends reply and push messages through the Messaging API. Replies are
// bound to the triggering inbound event's reply token and are single use;
// pushes address a participant directly and need no triggering event.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	credOnce sync.Once
	creds    credentialsPayload
	credErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client backed by the given paramstore.Getter for channel
// credential retrieval. Credentials are fetched from SSM on first use and
// reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("line: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("line: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.line.me/v2",
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) credentialsParameterName() string {
	return c.paramPrefix + "/line-channel-credentials"
}

func (c *Client) resolveCredentials(ctx context.Context) (credentialsPayload, error) {
	c.credOnce.Do(func() {
		c.creds, c.credErr = fetchCredentialsFromParamStore(ctx, c.getter, c.credentialsParameterName())
	})
	return c.creds, c.credErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.line.me/v2"
	}
	if strings.HasSuffix(base, "/v2") {
		return base + path
	}
	return base + "/v2" + path
}

// Reply answers the triggering inbound event. Reply tokens are single use.
func (c *Client) Reply(ctx context.Context, replyToken, text string) error {
	if strings.TrimSpace(replyToken) == "" {
		return errors.New("line: reply token must not be empty")
	}
	return c.send(ctx, endpointURL(c.baseURL, "/bot/message/reply"), replyRequest{
		ReplyToken: replyToken,
		Messages:   []textMessage{{Type: "text", Text: text}},
	})
}

// Push sends an unsolicited message to the participant with the given ID.
func (c *Client) Push(ctx context.Context, to, text string) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("line: push recipient must not be empty")
	}
	return c.send(ctx, endpointURL(c.baseURL, "/bot/message/push"), pushRequest{
		To:       to,
		Messages: []textMessage{{Type: "text", Text: text}},
	})
}

func (c *Client) send(ctx context.Context, url string, payload any) error {
	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("line: marshal request: %w", err)
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return fmt.Errorf("line: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return fmt.Errorf("line: request failed: %w", doErr)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// VerifySignature checks the webhook body against the X-Line-Signature header:
// base64(HMAC-SHA256(channel secret, body)).
func (c *Client) VerifySignature(ctx context.Context, body []byte, signature string) (bool, error) {
	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		return false, err
	}
	return validSignature(creds.Secret, body, signature), nil
}

func validSignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

func fetchCredentialsFromParamStore(ctx context.Context, getter Getter, name string) (credentialsPayload, error) {
	if getter == nil {
		return credentialsPayload{}, errors.New("line: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return credentialsPayload{}, errors.New("line: credentials parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return credentialsPayload{}, fmt.Errorf("line: fetch credentials from paramstore: %w", err)
	}
	var creds credentialsPayload
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return credentialsPayload{}, fmt.Errorf("line: unmarshal paramstore credentials as JSON: %w", err)
	}
	if creds.AccessToken == "" {
		return credentialsPayload{}, errors.New("line: channel access token is empty")
	}
	if creds.Secret == "" {
		return credentialsPayload{}, errors.New("line: channel secret is empty")
	}
	return creds, nil
}
