package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datmedevil17/simcityMagicblock/internal/engine/events"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/httputil"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamEvents pushes new events to a websocket client as JSON text
// frames. ?account= and ?type= narrow the feed. A client that falls more
// than streamBuffer events behind loses the overflow.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		httputil.WriteError(w, apperrors.InvalidState("event feed is not enabled on this node"))
		return
	}
	accountFilter := r.URL.Query().Get("account")
	typeFilter := events.EventType(r.URL.Query().Get("type"))

	feed := make(chan events.Event, streamBuffer)
	unsubscribe := h.events.SubscribeFiltered(func(e events.Event) bool {
		if accountFilter != "" && e.Account != accountFilter {
			return false
		}
		return typeFilter == "" || e.Type == typeFilter
	}, func(e events.Event) {
		select {
		case feed <- e:
		default:
		}
	})
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readPump(conn, closed)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case e := <-feed:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// readPump drains client frames so control messages are processed, and
// closes done when the client goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
