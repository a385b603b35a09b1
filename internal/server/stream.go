package server

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"routeline/internal/domain"
	"routeline/internal/engine"
	"routeline/internal/events"
)

const (
	streamPollInterval = time.Second
	streamPingInterval = 20 * time.Second
	streamWriteWait    = 10 * time.Second
	streamPongWait     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// registerStream serves the audit feed over a websocket. Clients resume with ?after=<event id>;
// without it the stream starts at the newest event.
func registerStream(r chi.Router, basePath string, e *engine.Engine, logger zerolog.Logger) {
	r.Get(path.Join(basePath, "stream"), func(w http.ResponseWriter, req *http.Request) {
		var cursor int64
		if after := req.URL.Query().Get("after"); after != "" {
			parsed, err := strconv.ParseInt(after, 10, 64)
			if err != nil || parsed < 0 {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid after cursor", map[string]any{"after": after}))
				return
			}
			cursor = parsed
		} else {
			latest, err := e.Repo.LatestEventID(req.Context())
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			cursor = latest
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Debug().Err(err).Msg("Stream upgrade failed")
			return
		}
		actor := ""
		if p, ok := principalFromContext(req.Context()); ok {
			actor = p.ActorID
		}
		log := logger.With().Str("component", "stream").Str("actor_id", actor).Logger()
		log.Debug().Int64("cursor", cursor).Msg("Stream client connected")
		serveStream(req.Context(), conn, e, cursor, log)
		log.Debug().Msg("Stream client disconnected")
	})
}

func serveStream(parent context.Context, conn *websocket.Conn, e *engine.Engine, cursor int64, log zerolog.Logger) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(fn func() error) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return fn()
	}

	// Reader: clients send nothing but control frames; a read error means the peer left.
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := write(func() error { return conn.WriteMessage(websocket.PingMessage, nil) }); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	feed := events.Feed{
		Source:   e.Repo,
		Interval: streamPollInterval,
		OnError: func(err error) {
			log.Debug().Err(err).Msg("Stream delivery failed")
			cancel()
		},
	}
	_ = feed.Run(ctx, cursor, func(evt domain.Event) error {
		return write(func() error { return conn.WriteJSON(eventResponse(evt)) })
	})
}
