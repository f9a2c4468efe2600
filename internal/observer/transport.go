package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"medidrop/internal/modules/broadcast"
	"medidrop/internal/types"
)

var ErrNotFound = errors.New("broadcast not found")

// HTTPTransport talks to the medidrop API.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
	dialer  *websocket.Dialer
}

func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (t *HTTPTransport) Fetch(ctx context.Context, id types.ID) (*broadcast.Broadcast, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/broadcasts/"+string(id), nil)
	if err != nil {
		return nil, err
	}
	var b broadcast.Broadcast
	if err := t.do(req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *HTTPTransport) Escalate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/escalations/run", nil)
	if err != nil {
		return err
	}
	return t.do(req, nil)
}

func (t *HTTPTransport) Watch(ctx context.Context, id types.ID) (<-chan *broadcast.Broadcast, error) {
	url := "ws" + strings.TrimPrefix(t.baseURL, "http") + "/api/broadcasts/" + string(id) + "/watch"
	conn, resp, err := t.dialer.DialContext(ctx, url, t.header())
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("observer: dial %s: %w", url, err)
	}

	out := make(chan *broadcast.Broadcast)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			var b broadcast.Broadcast
			if err := conn.ReadJSON(&b); err != nil {
				return
			}
			select {
			case out <- &b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *HTTPTransport) header() http.Header {
	h := http.Header{}
	if t.token != "" {
		h.Set("Authorization", "Bearer "+t.token)
	}
	return h
}

func (t *HTTPTransport) do(req *http.Request, out any) error {
	for k, v := range t.header() {
		req.Header[k] = v
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("observer: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
