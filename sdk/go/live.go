package allylabsdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"allylab/pkg/scanstream"
)

// Watch subscribes to the live events of a running scan. Events arrive in the producer's
// order, starting with the ones the subscriber joined for. Watch returns nil when the server
// closes the subscription after the scan ends.
func (c *Client) Watch(ctx context.Context, scanID string, observer scanstream.Observer) error {
	target, err := c.liveURL(scanID)
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
			return responseError(resp)
		}
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg scanstream.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		env, ok := msg.Envelope()
		if !ok {
			continue
		}
		if observer != nil {
			observer(env)
		}
	}
}

func (c *Client) liveURL(scanID string) (string, error) {
	u, err := url.Parse(c.apiURL(fmt.Sprintf("scans/%s/live", url.PathEscape(scanID))))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}
