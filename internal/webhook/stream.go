package webhook

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// logTailBacklog is how many recent lines a newly connected client
// replays before switching to live tail.
const logTailBacklog = 200

// LogBroadcaster fans structured one-line log records out to any number
// of connected /webhook/stream websocket clients. It keeps a bounded
// backlog so a client connecting mid-job still sees recent context.
// Read-only from the operator's point of view — there is no write path
// back into the engine from this connection.
type LogBroadcaster struct {
	mu      sync.Mutex
	backlog []string
	subs    map[chan string]struct{}
}

// NewLogBroadcaster creates an empty broadcaster.
func NewLogBroadcaster() *LogBroadcaster {
	return &LogBroadcaster{subs: make(map[chan string]struct{})}
}

// Publish appends line to the backlog and fans it out to every
// currently connected subscriber. A subscriber whose buffer is full
// misses the line (it stays subscribed) rather than blocking publishers.
func (b *LogBroadcaster) Publish(line string) {
	b.mu.Lock()
	b.backlog = append(b.backlog, line)
	if len(b.backlog) > logTailBacklog {
		b.backlog = b.backlog[len(b.backlog)-logTailBacklog:]
	}
	for ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *LogBroadcaster) subscribe() (chan string, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan string, 64)
	b.subs[ch] = struct{}{}
	backlog := make([]string, len(b.backlog))
	copy(backlog, b.backlog)
	return ch, backlog
}

func (b *LogBroadcaster) unsubscribe(ch chan string) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a websocket connection and tails the log
// broadcaster: recent backlog first, then live lines as they are
// published.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		errText(w, http.StatusNotFound, "log streaming not enabled")
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, backlog := s.logs.subscribe()
	defer s.logs.unsubscribe(ch)

	for _, line := range backlog {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case line, open := <-ch:
			if !open {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
