package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"allylab/pkg/scanstream"
)

const (
	defaultSubscriberBuffer = 64
	liveWriteTimeout        = 10 * time.Second
)

// ErrNotRunning is returned when subscribing to a scan the hub does not know.
var ErrNotRunning = errors.New("scan not running")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans the events of running scans out to websocket subscribers. It keeps every event
// of a running scan so a late subscriber first receives what it missed. Publishing never
// blocks: a subscriber whose buffer is full is dropped.
type Hub struct {
	Buffer int
	Logger *slog.Logger

	mu    sync.Mutex
	scans map[string]*liveScan
}

type liveScan struct {
	backlog []scanstream.Message
	subs    map[*subscription]struct{}
}

type subscription struct {
	c       chan scanstream.Message
	closed  bool
	dropped bool
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{Buffer: defaultSubscriberBuffer, Logger: logger, scans: map[string]*liveScan{}}
}

func (h *Hub) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Hub) Open(scanID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.scans[scanID]; !ok {
		h.scans[scanID] = &liveScan{subs: map[*subscription]struct{}{}}
	}
}

func (h *Hub) Publish(scanID string, msg scanstream.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.scans[scanID]
	if !ok {
		return
	}
	s.backlog = append(s.backlog, msg)
	for sub := range s.subs {
		select {
		case sub.c <- msg:
		default:
			sub.dropped = true
			h.closeLocked(s, sub)
			h.logger().Warn("live subscriber dropped", "scan_id", scanID)
		}
	}
}

func (h *Hub) Finish(scanID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.scans[scanID]
	if !ok {
		return
	}
	for sub := range s.subs {
		h.closeLocked(s, sub)
	}
	delete(h.scans, scanID)
}

// Running reports whether scanID is open.
func (h *Hub) Running(scanID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.scans[scanID]
	return ok
}

func (h *Hub) subscribe(scanID string) (*subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.scans[scanID]
	if !ok {
		return nil, ErrNotRunning
	}
	buffer := h.Buffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscription{c: make(chan scanstream.Message, len(s.backlog)+buffer)}
	for _, msg := range s.backlog {
		sub.c <- msg
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (h *Hub) unsubscribe(scanID string, sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.scans[scanID]; ok {
		h.closeLocked(s, sub)
		return
	}
	if !sub.closed {
		sub.closed = true
		close(sub.c)
	}
}

func (h *Hub) closeLocked(s *liveScan, sub *subscription) {
	delete(s.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.c)
	}
}

func (h *Hub) wasDropped(sub *subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sub.dropped
}

// ServeLive upgrades the request and streams the scan's events as JSON messages until the
// scan finishes or the client goes away.
func (h *Hub) ServeLive(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "id")
	sub, err := h.subscribe(scanID)
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusNotFound, "not_running", err.Error()))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.unsubscribe(scanID, sub)
		h.logger().Warn("live upgrade failed", "scan_id", scanID, "error", err)
		return
	}
	defer conn.Close()

	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				h.unsubscribe(scanID, sub)
				return
			}
		}
	}()

	for msg := range sub.c {
		conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			h.unsubscribe(scanID, sub)
			for range sub.c {
			}
			return
		}
	}
	code, text := websocket.CloseNormalClosure, "scan finished"
	if h.wasDropped(sub) {
		code, text = websocket.CloseTryAgainLater, "subscriber too slow"
	}
	conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}
