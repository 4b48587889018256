package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"garagectl/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 64
)

// stream upgrades to a websocket and forwards bus events as JSON text
// frames. Query parameters kind (repeatable or comma separated) and lane
// narrow the feed.
func (h handlers) stream(w http.ResponseWriter, r *http.Request) {
	kinds, err := parseKinds(r.URL.Query()["kind"])
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
		return
	}
	lane := strings.TrimSpace(r.URL.Query().Get("lane"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := h.streamEvents(r.Context(), conn, kinds, lane); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h handlers) streamEvents(ctx context.Context, conn *websocket.Conn, kinds []events.Kind, lane string) error {
	// The client never sends; CloseRead keeps control frames flowing and
	// cancels ctx when the peer goes away.
	ctx = conn.CloseRead(ctx)
	updates := make(chan events.Event, wsBuffer)
	sub, err := h.sys.Bus().Subscribe(kinds, func(ev events.Event) error {
		if lane != "" && ev.Lane != "" && ev.Lane != lane {
			return nil
		}
		select {
		case updates <- ev:
		default:
			h.log.Warn("stream client too slow, dropping event", "kind", ev.Kind.String())
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-updates:
			if err := writeEvent(ctx, conn, ev); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(eventResponse(ev))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func parseKinds(raw []string) ([]events.Kind, error) {
	var out []events.Kind
	for _, item := range raw {
		for _, name := range strings.Split(item, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			k, err := events.ParseKind(name)
			if err != nil {
				return nil, err
			}
			out = append(out, k)
		}
	}
	return out, nil
}
