package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-project/parley/pkg/event"
	"github.com/parley-project/parley/pkg/stream"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"

	defaultEventsTail = 50
	maxEventsTail     = 1000
)

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	Status      string `json:"status"`
	Persistence string `json:"persistence"`
	LastSeq     uint64 `json:"last_seq"`
	WatermarkMS int64  `json:"watermark_ms"`
	Streams     int    `json:"streams"`
}

// EventsResponse is the GET /api/v1/events body.
type EventsResponse struct {
	Events  []event.Event `json:"events"`
	LastSeq uint64        `json:"last_seq"`
}

// PostUserRequest is the POST /api/v1/user body.
type PostUserRequest struct {
	Text string `json:"text"`
}

// PostUserResponse echoes where the utterance landed on the log.
type PostUserResponse struct {
	Seq         uint64 `json:"seq"`
	WatermarkMS int64  `json:"watermark_ms"`
}

// healthHandler handles GET /healthz. Degraded persistence is reported but
// still returns 200: the kernel keeps scheduling from memory.
func (s *Server) healthHandler(c *echo.Context) error {
	status := healthStatusHealthy
	persistence := "durable"
	if s.k.Degraded() {
		status = healthStatusDegraded
		persistence = "memory_only"
	}
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:      status,
		Persistence: persistence,
		LastSeq:     s.k.LastSeq(),
		WatermarkMS: s.k.Watermark(),
		Streams:     len(s.k.Streams()),
	})
}

// eventsHandler handles GET /api/v1/events?tail=n.
func (s *Server) eventsHandler(c *echo.Context) error {
	n := defaultEventsTail
	if v := c.QueryParam("tail"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "tail must be a positive integer")
		}
		n = parsed
	}
	if n > maxEventsTail {
		n = maxEventsTail
	}
	events := s.k.Tail(n)
	if events == nil {
		events = []event.Event{}
	}
	return c.JSON(http.StatusOK, &EventsResponse{Events: events, LastSeq: s.k.LastSeq()})
}

// streamsHandler handles GET /api/v1/streams.
func (s *Server) streamsHandler(c *echo.Context) error {
	infos := s.k.Streams()
	if infos == nil {
		infos = []stream.Info{}
	}
	return c.JSON(http.StatusOK, infos)
}

// postUserHandler handles POST /api/v1/user. The utterance is appended to
// the log and preempts whichever agent holds the floor.
func (s *Server) postUserHandler(c *echo.Context) error {
	var req PostUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	sealed, err := s.k.PostUser(req.Text)
	if err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusAccepted, &PostUserResponse{
		Seq:         sealed.Seq,
		WatermarkMS: sealed.WatermarkMS,
	})
}

// overrideHandler handles POST /api/v1/override: cut the current turn
// without posting content.
func (s *Server) overrideHandler(c *echo.Context) error {
	s.k.Override()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "override_signalled"})
}

// shutdownHandler handles POST /api/v1/shutdown. The signal is sticky; the
// process exits once the control loop drains.
func (s *Server) shutdownHandler(c *echo.Context) error {
	s.k.RequestShutdown("api_request")
	return c.JSON(http.StatusAccepted, map[string]string{"status": "shutdown_requested"})
}

// cancelToolHandler handles POST /api/v1/tools/:stream/cancel.
func (s *Server) cancelToolHandler(c *echo.Context) error {
	name := c.Param("stream")
	if err := s.k.CancelTool(name); err != nil {
		return mapKernelError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled", "stream": name})
}
