package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/parley-project/parley/pkg/bus"
)

const wsWriteTimeout = 5 * time.Second

// wsHandler upgrades GET /ws and streams events to the client as JSON
// lines, one event per message.
//
// Query params: from_seq replays the exact suffix from that seq; tail
// preloads the last n events. Without either, the feed starts at the next
// live event. If the client falls behind the bus drops it; the close
// reason tells it to reconnect with from_seq.
func (s *Server) wsHandler(c *echo.Context) error {
	opts := bus.SubscribeOptions{}
	if v := c.QueryParam("from_seq"); v != "" {
		from, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from_seq must be an unsigned integer")
		}
		opts.FromSeq = &from
	} else if v := c.QueryParam("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "tail must be a non-negative integer")
		}
		opts.TailN = n
	}

	sub, err := s.k.Subscribe(opts)
	if err != nil {
		return mapKernelError(err)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// TODO: replace with an OriginPatterns allowlist from config once
		// the UI's deployment origin is settled.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.k.Unsubscribe(sub)
		return err
	}

	// The client never sends data frames; CloseRead surfaces the peer
	// closing as context cancellation.
	ctx := conn.CloseRead(c.Request().Context())
	defer s.k.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				if sub.Err() == bus.ErrLagged {
					lastSeq := strconv.FormatUint(s.k.LastSeq(), 10)
					_ = conn.Close(websocket.StatusTryAgainLater, "lagged, reconnect with from_seq="+lastSeq)
					return nil
				}
				_ = conn.Close(websocket.StatusGoingAway, "bus closed")
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn("Failed to marshal event for WebSocket", "seq", e.Seq, "error", err)
				continue
			}
			if err := s.writeRaw(ctx, conn, data); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
		}
	}
}

// writeRaw sends one message with a write timeout.
func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
