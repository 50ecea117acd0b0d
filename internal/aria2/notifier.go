package aria2

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"dlwatch/internal/engine"
	"dlwatch/internal/logging"
)

const DefaultReconnectDelay = 3 * time.Second

// completionMethods are the notifications that end a transfer.
// aria2.onBtDownloadComplete is left out: it fires while the task is still
// seeding, and onDownloadComplete follows once seeding stops.
var completionMethods = map[string]bool{
	"aria2.onDownloadComplete": true,
	"aria2.onDownloadError":    true,
	"aria2.onDownloadStop":     true,
}

type notification struct {
	Method string `json:"method"`
	Params []struct {
		GID string `json:"gid"`
	} `json:"params"`
}

// Notifier reads aria2's WebSocket notifications and forwards the GID of
// every finished transfer.
type Notifier struct {
	URL            string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

func NewNotifier(wsURL string) *Notifier {
	return &Notifier{
		URL:            wsURL,
		ReconnectDelay: DefaultReconnectDelay,
		Dialer:         websocket.DefaultDialer,
	}
}

// Run keeps a connection open until ctx is done, sending completed GIDs to
// out. A dropped connection is re-dialed after ReconnectDelay.
func (n *Notifier) Run(ctx context.Context, out chan<- engine.TaskID) error {
	for {
		err := n.listen(ctx, out)
		if ctx.Err() != nil {
			logging.LogNotifier(n.URL, "stopped", nil)
			return nil
		}
		logging.LogNotifier(n.URL, "disconnected", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(n.ReconnectDelay):
		}
	}
}

func (n *Notifier) listen(ctx context.Context, out chan<- engine.TaskID) error {
	conn, _, err := n.Dialer.DialContext(ctx, n.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	logging.LogNotifier(n.URL, "connected", nil)

	// Unblock ReadJSON on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg notification
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if !completionMethods[msg.Method] {
			continue
		}
		for _, p := range msg.Params {
			if p.GID == "" {
				continue
			}
			select {
			case out <- engine.TaskID(p.GID):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
