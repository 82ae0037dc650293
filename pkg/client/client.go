package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// Client talks to the tfcal daemon over its unix socket.
type Client struct {
	socketPath string
	httpClient *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialUnix(ctx, socketPath)
				},
			},
		},
	}
}

func dialUnix(ctx context.Context, socketPath string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrDaemonNotRunning
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, ErrPermissionDenied
		}
		logrus.Errorf("failed to connect to unix socket: %v", err)
		return nil, err
	}
	return conn, nil
}

// Send sends a request to the daemon and returns the response body. Non-2xx
// responses are returned as errors.
func (c *Client) Send(method string, path string, data string) (string, error) {
	logrus.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"data":   data,
		"unix":   c.socketPath,
	}).Debug("sending request")

	var body io.Reader
	if data != "" {
		body = strings.NewReader(data)
	}
	req, err := http.NewRequest(method, "http://unix"+path, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if data != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.Errorf("failed to close response body: %v", err)
		}
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	ret := string(b)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrNotFound, ret)
	case resp.StatusCode == http.StatusConflict:
		return "", fmt.Errorf("%w: %s", ErrConflict, ret)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("got %d: %s", resp.StatusCode, ret)
	}

	return ret, nil
}

func (c *Client) Get(path string) (string, error) {
	return c.Send(http.MethodGet, path, "")
}

func (c *Client) Post(path string, data string) (string, error) {
	return c.Send(http.MethodPost, path, data)
}

func (c *Client) Put(path string, data string) (string, error) {
	return c.Send(http.MethodPut, path, data)
}
