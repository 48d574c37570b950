// Package transport implements the HTTP exchanges with the OTA server.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/iot-ota-sdk/pkg/auth"
	"github.com/iot-ota-sdk/pkg/ota"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultChunkSize is the read size of streamed downloads.
const DefaultChunkSize = 4096

// ErrAborted is returned by Stream when a callback stopped the transfer.
var ErrAborted = errors.New("transfer aborted")

type Config struct {
	// Signer, when set, adds device signature headers to every request.
	Signer    *auth.Signer
	TLSConfig *tls.Config
	UserAgent string
	ChunkSize int
	Logger    logrus.FieldLogger
}

// Client is an ota.Transport over net/http.
type Client struct {
	httpClient *http.Client
	signer     *auth.Signer
	userAgent  string
	chunkSize  int
	logger     logrus.FieldLogger
}

var _ ota.Transport = (*Client)(nil)

func New(cfg Config) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     cfg.TLSConfig,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
		MaxIdleConnsPerHost: 10,
	}

	c := &Client{
		httpClient: &http.Client{Transport: transport},
		signer:     cfg.Signer,
		userAgent:  cfg.UserAgent,
		chunkSize:  cfg.ChunkSize,
		logger:     cfg.Logger,
	}
	if c.userAgent == "" {
		c.userAgent = "IoT-Device-OTA/1.0"
	}
	if c.chunkSize <= 0 {
		c.chunkSize = DefaultChunkSize
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger().WithField("system", "transport")
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.signer != nil {
		path := rawURL
		if u, err := url.Parse(rawURL); err == nil {
			path = u.EscapedPath()
		}
		for k, v := range c.signer.Sign(method, path) {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Post sends body as JSON and reads the whole response.
func (c *Client) Post(ctx context.Context, rawURL string, body []byte, timeout time.Duration) (*ota.Response, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	c.logger.WithFields(logrus.Fields{
		"url":    rawURL,
		"status": resp.StatusCode,
		"bytes":  len(data),
	}).Debug("POST finished")
	return &ota.Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// Stream issues a GET and hands the body to onData chunk by chunk. The slice
// passed to onData is reused for the next chunk.
func (c *Client) Stream(ctx context.Context, rawURL string, timeout time.Duration,
	onHeaders func(ota.ResponseHeader) bool, onData func([]byte) bool) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "*/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to download")
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"url":            rawURL,
		"status":         resp.StatusCode,
		"content_length": resp.ContentLength,
	}).Debug("Download response")

	header := ota.ResponseHeader{StatusCode: resp.StatusCode, ContentLength: resp.ContentLength}
	if onHeaders != nil && !onHeaders(header) {
		return ErrAborted
	}

	buffer := make([]byte, c.chunkSize)
	for {
		n, err := resp.Body.Read(buffer)
		if n > 0 && !onData(buffer[:n]) {
			return ErrAborted
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to read response body")
		}
	}
}
