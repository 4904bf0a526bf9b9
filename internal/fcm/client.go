package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Message is one push to a single device token or a single topic.
type Message struct {
	Token string // exclusive with Topic
	Topic string
	Title string
	Body  string
	Data  map[string]string
}

// Client talks to the FCM legacy HTTP endpoint with server-key auth.
// One Send is one HTTP round trip; there is no retry here.
type Client struct {
	endpoint  string
	serverKey string
	httpc     *http.Client
	limiter   *rate.Limiter
}

func NewClient(endpoint, serverKey string, timeout time.Duration, sendsPerSec float64) *Client {
	c := &Client{
		endpoint:  endpoint,
		serverKey: serverKey,
		httpc:     &http.Client{Timeout: timeout},
	}
	if sendsPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(sendsPerSec), int(sendsPerSec)+1)
	}
	return c
}

type legacyPayload struct {
	To           string            `json:"to"`
	Notification *legacyNotif      `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Priority     string            `json:"priority"`
}

type legacyNotif struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound,omitempty"`
}

type legacyResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Send delivers one message. A timeout or a per-token FCM error is the
// send's failure; callers decide whether to retry.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	to := msg.Token
	if msg.Topic != "" {
		to = "/topics/" + msg.Topic
	}
	if to == "" {
		return fmt.Errorf("fcm: message has neither token nor topic")
	}

	data := make(map[string]string, len(msg.Data)+2)
	for k, v := range msg.Data {
		data[k] = v
	}
	if _, ok := data["timestamp"]; !ok {
		data["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}

	p := legacyPayload{
		To:           to,
		Notification: &legacyNotif{Title: msg.Title, Body: msg.Body, Sound: "default"},
		Data:         data,
		Priority:     "high",
	}

	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("fcm: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "key="+c.serverKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("fcm: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fcm: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out legacyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// FCM answered 200; treat an unreadable body as delivered
		return nil
	}
	if out.Failure > 0 && out.Success == 0 {
		reason := "unknown"
		if len(out.Results) > 0 && out.Results[0].Error != "" {
			reason = out.Results[0].Error
		}
		return fmt.Errorf("fcm: delivery failed: %s", reason)
	}
	return nil
}

// SendForceLogout pushes the fixed session-expired message to a device that
// is being replaced by a new registration.
func (c *Client) SendForceLogout(ctx context.Context, token string) error {
	return c.Send(ctx, Message{
		Token: token,
		Title: "Session Expired",
		Body:  "You have been logged in on another device",
		Data: map[string]string{
			"type":        "FORCE_LOGOUT",
			"messageType": "text",
			"source":      "system",
		},
	})
}
