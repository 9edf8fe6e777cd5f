package services

import (
	"log"
	"os"

	pusher "github.com/pusher/pusher-http-go/v5"
)

// NotificationSink receives state-change events for delivery to
// connected clients. Delivery is best-effort: implementations must
// never block or fail the domain transaction, and callers only publish
// after a commit.
type NotificationSink interface {
	Publish(channel, event string, payload any)
}

// GameChannel is the per-session private channel clients subscribe to.
func GameChannel(gameID string) string {
	return "private-game-" + gameID
}

// LobbyChannel carries waiting-game list changes.
const LobbyChannel = "lobby"

// PusherSink pushes events through Pusher Channels.
type PusherSink struct {
	client pusher.Client
}

// NewNotificationSink builds a Pusher-backed sink from the environment,
// falling back to a log-only sink when credentials are absent.
func NewNotificationSink() NotificationSink {
	appID := os.Getenv("PUSHER_APP_ID")
	key := os.Getenv("PUSHER_KEY")
	secret := os.Getenv("PUSHER_SECRET")
	if appID == "" || key == "" || secret == "" {
		log.Println("⚠️  Pusher credentials not set — notifications will only be logged")
		return LogSink{}
	}
	return &PusherSink{client: pusher.Client{
		AppID:   appID,
		Key:     key,
		Secret:  secret,
		Cluster: os.Getenv("PUSHER_CLUSTER"),
	}}
}

func (p *PusherSink) Publish(channel, event string, payload any) {
	if err := p.client.Trigger(channel, event, payload); err != nil {
		log.Printf("❌ [NOTIFY] publish %s/%s failed: %v", channel, event, err)
	}
}

// LogSink logs events instead of delivering them.
type LogSink struct{}

func (LogSink) Publish(channel, event string, _ any) {
	log.Printf("🔔 [NOTIFY] %s/%s", channel, event)
}
