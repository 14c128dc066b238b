package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Notifier is the external notification-sender collaborator. Delivery is
// best-effort: callers never abort a state transition on a notify error.
type Notifier interface {
	Notify(ctx context.Context, recipientRef, title, message string, payload map[string]interface{}) error
}

// PushNotifier posts JSON to a push provider HTTP endpoint (FCM-style)
// using a server key.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) Notify(ctx context.Context, recipientRef, title, message string, payload map[string]interface{}) error {
	body := map[string]interface{}{"message": map[string]interface{}{
		"token": recipientRef,
		"notification": map[string]string{"title": title, "body": message},
		"data":  payload,
	}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// NopNotifier drops everything; used when no push provider is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, recipientRef, title, message string, payload map[string]interface{}) error {
	return nil
}
