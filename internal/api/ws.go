package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/arzzra/sfu_phone/pkg/event"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents отдает все события сессий в websocket как JSON.
// Входящие сообщения клиента игнорируются.
func (ctl *controller) streamEvents(c *gin.Context) {
	if ctl.events == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "events disabled"})
		return
	}
	// подписка до ответа на upgrade: клиент получит все события после подключения
	events, unsubscribe := ctl.events.Subscribe()
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		unsubscribe()
		ctl.log.Error().Err(err).Msg("ws upgrade")
		return
	}
	ctl.log.Info().Str("remote", c.Request.RemoteAddr).Msg("events subscriber connected")

	closed := make(chan struct{})
	go ctl.readPump(ws, closed)
	ctl.writePump(ws, events, closed)

	unsubscribe()
	_ = ws.Close()
	ctl.log.Info().Str("remote", c.Request.RemoteAddr).Msg("events subscriber gone")
}

// readPump держит соединение живым и замечает его закрытие клиентом
func (ctl *controller) readPump(ws *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (ctl *controller) writePump(ws *websocket.Conn, events <-chan event.Event, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case e, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(writeWait))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(e); err != nil {
				ctl.log.Warn().Err(err).Msg("events write")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
