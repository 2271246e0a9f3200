// Package client talks to a procreap control API over a unix socket or TCP.
package client

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/sockets"
	"github.com/gorilla/websocket"

	"github.com/Paintersrp/procreap/internal/api"
)

const (
	defaultTimeout   = 30 * time.Second
	handshakeTimeout = 10 * time.Second
	eventBuffer      = 64
)

// Error is a non-2xx response from the control API.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("control api: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("control api: %s: %s", e.Code, e.Message)
}

// Client implements api.Controller against a remote server.
type Client struct {
	base   string
	http   *http.Client
	dialer *websocket.Dialer
}

var _ api.Controller = (*Client)(nil)

// New returns a client for the given control address.
func New(addr string) (*Client, error) {
	proto, address, err := api.ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{}
	if err := sockets.ConfigureTransport(tr, proto, address); err != nil {
		return nil, fmt.Errorf("configure transport: %w", err)
	}
	base := "http://" + address
	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if proto == api.ProtoUnix {
		// The host is ignored when dialing a unix socket.
		base = "http://procreap"
		dialer.NetDialContext = func(ctx stdcontext.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", address)
		}
	}
	return &Client{base: base, http: &http.Client{Transport: tr}, dialer: dialer}, nil
}

// NewWithHTTPClient returns a client for an explicit base URL.
func NewWithHTTPClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: base, http: hc, dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout}}
}

// Processes lists processes known to the server.
func (c *Client) Processes(ctx stdcontext.Context) (*api.ProcessList, error) {
	var out api.ProcessList
	if err := c.do(ctx, http.MethodGet, "/api/v1/processes", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Launch asks the server to spawn a process.
func (c *Client) Launch(ctx stdcontext.Context, req api.LaunchRequest) (*api.LaunchResult, error) {
	var out struct {
		Launch *api.LaunchResult `json:"launch"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/processes", req, &out); err != nil {
		return nil, err
	}
	return out.Launch, nil
}

// Stop asks the server to stop pid. With wait set the call returns once the
// process has been reaped.
func (c *Client) Stop(ctx stdcontext.Context, pid int, wait bool) (*api.StopResult, error) {
	path := "/api/v1/processes/" + strconv.Itoa(pid)
	if wait {
		path += "?wait=true"
	}
	var out struct {
		Stop *api.StopResult `json:"stop"`
	}
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Stop, nil
}

// StopAll asks the server to stop every tracked process.
func (c *Client) StopAll(ctx stdcontext.Context) (*api.StopAllResult, error) {
	var out struct {
		StopAll *api.StopAllResult `json:"stopAll"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/stop-all", nil, &out); err != nil {
		return nil, err
	}
	return out.StopAll, nil
}

// Events streams lifecycle events until ctx is cancelled or the server closes
// the stream. The returned channel is closed when the stream ends.
func (c *Client) Events(ctx stdcontext.Context) (<-chan api.EventRecord, error) {
	url := "ws" + strings.TrimPrefix(c.base, "http") + "/api/v1/events"
	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	out := make(chan api.EventRecord, eventBuffer)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()
	go func() {
		defer close(out)
		defer close(stop)
		defer conn.Close()
		for {
			var rec api.EventRecord
			if err := conn.ReadJSON(&rec); err != nil {
				return
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx stdcontext.Context, method, path string, body, out any) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	if _, ok := ctx.Deadline(); !ok && method == http.MethodGet {
		var cancel stdcontext.CancelFunc
		ctx, cancel = stdcontext.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
