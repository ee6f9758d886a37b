package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/auditforge/auditforge/internal/broadcaster"
	"github.com/auditforge/auditforge/internal/model"
)

// wsFrame is the stream shape section 6 specifies, distinct from the
// broadcaster's own model.ProgressEvent wire format used internally.
type wsFrame struct {
	Stage     *model.Stage    `json:"stage"`
	Progress  int             `json:"progress"`
	Status    model.JobStatus `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// frameSink adapts a raw websocket connection to broadcaster.Sink,
// reshaping each model.ProgressEvent into the frame section 6 promises.
type frameSink struct {
	conn *websocket.Conn
}

func (s *frameSink) Send(event model.ProgressEvent) error {
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(wsFrame{
		Stage:     event.Stage,
		Progress:  event.ProgressPercent,
		Status:    event.Status,
		Timestamp: event.Timestamp,
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// handleWebSocket upgrades the connection and subscribes it to jobID's
// progress events, closing with 1008 if the job is unknown.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job := s.registry.Get(id)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	if job == nil {
		msg := websocket.FormatCloseMessage(1008, "unknown job id")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	sink := &frameSink{conn: conn}
	var bsink broadcaster.Sink = sink
	s.broadcaster.Subscribe(id, bsink)
	defer s.broadcaster.Unsubscribe(id, bsink)

	// Send the current snapshot immediately so a late subscriber isn't left
	// waiting for the next stage transition to learn the job is already done.
	_ = sink.Send(model.ProgressEvent{
		JobID:           id,
		Stage:           job.CurrentStage,
		ProgressPercent: job.Progress(),
		Status:          job.Status,
		Timestamp:       time.Now(),
		Error:           job.Error,
	})

	// Block on reads purely to notice the client disconnecting; this
	// connection never receives inbound messages.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
