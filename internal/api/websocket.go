package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/bundle-ingest/backend/internal/jobs"
	"github.com/bundle-ingest/backend/internal/store"
)

// WebSocket message types for the job feed protocol
const (
	// Client -> Server messages
	MsgTypeSubscribe   = "subscribe"
	MsgTypeUnsubscribe = "unsubscribe"
	MsgTypePing        = "ping"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeAck       = "ack"
	MsgTypeProgress  = "progress"
	MsgTypeComplete  = "complete"
	MsgTypeError     = "error"
	MsgTypePong      = "pong"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsOutboxSize   = 64
)

// WSClientMessage is a message sent by the client
type WSClientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId,omitempty"`
}

// WSMessage is a message pushed to the client
type WSMessage struct {
	Type      string      `json:"type"`
	JobID     string      `json:"jobId,omitempty"`
	Event     *jobs.Event `json:"event,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// JobFeedHandlerImpl pushes job progress to WebSocket clients
type JobFeedHandlerImpl struct {
	tracker  JobTracker
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewJobFeedHandler creates a new job feed handler
func NewJobFeedHandler(tracker JobTracker, logger *slog.Logger) JobFeedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobFeedHandlerImpl{
		tracker: tracker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		logger: logger.With("component", "api.ws"),
	}
}

// HandleJobFeed upgrades the connection and serves subscribe requests until the client leaves
func (h *JobFeedHandlerImpl) HandleJobFeed(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	conn := &feedConn{
		ws:      ws,
		tracker: h.tracker,
		logger:  h.logger,
		out:     make(chan WSMessage, wsOutboxSize),
		done:    make(chan struct{}),
		subs:    make(map[string]func()),
	}
	conn.serve(c.Request().Context())
	return nil
}

// feedConn owns one client connection. Only writeLoop writes to ws.
type feedConn struct {
	ws      *websocket.Conn
	tracker JobTracker
	logger  *slog.Logger

	out       chan WSMessage
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu   sync.Mutex
	subs map[string]func()
}

func (f *feedConn) serve(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		f.writeLoop()
	}()

	f.logger.Debug("client connected")
	f.send(WSMessage{Type: MsgTypeConnected})

	for {
		var msg WSClientMessage
		if err := f.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Warn("connection error", "error", err)
			}
			break
		}

		switch msg.Type {
		case MsgTypePing:
			f.send(WSMessage{Type: MsgTypePong})
		case MsgTypeSubscribe:
			f.subscribe(ctx, msg.JobID)
		case MsgTypeUnsubscribe:
			f.unsubscribe(msg.JobID)
			f.send(WSMessage{Type: MsgTypeAck, JobID: msg.JobID, Message: "unsubscribed"})
		default:
			f.sendError(msg.JobID, "unknown message type: "+msg.Type, "INVALID_TYPE")
		}
	}

	f.shutdown()
	<-writerDone
	f.ws.Close()
	f.logger.Debug("client disconnected")
}

// subscribe registers for jobID's events and sends the job's current state.
// A job that is already terminal gets its snapshot and no subscription.
func (f *feedConn) subscribe(ctx context.Context, jobID string) {
	if jobID == "" {
		f.sendError("", "jobId is required", "VALIDATION_ERROR")
		return
	}

	f.mu.Lock()
	_, dup := f.subs[jobID]
	f.mu.Unlock()
	if dup {
		f.send(WSMessage{Type: MsgTypeAck, JobID: jobID, Message: "already subscribed"})
		return
	}

	// Subscribe before reading the snapshot so no update falls in between.
	events, cancel := f.tracker.Events().Subscribe(jobID)

	snapshot, err := f.snapshot(ctx, jobID)
	if err != nil {
		cancel()
		if errors.Is(err, store.ErrNotFound) {
			f.sendError(jobID, "job not found: "+jobID, "NOT_FOUND")
		} else {
			f.sendError(jobID, "failed to load job", "INTERNAL_ERROR")
		}
		return
	}

	f.send(WSMessage{Type: MsgTypeAck, JobID: jobID, Message: "subscribed"})
	f.push(snapshot)
	if snapshot.Terminal {
		cancel()
		return
	}

	f.mu.Lock()
	f.subs[jobID] = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go f.forward(jobID, events)
}

func (f *feedConn) snapshot(ctx context.Context, jobID string) (jobs.Event, error) {
	up, err := f.tracker.GetUploadJob(ctx, jobID)
	if err == nil {
		return jobs.UploadEvent(up), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return jobs.Event{}, err
	}
	down, err := f.tracker.GetDownloadJob(ctx, jobID)
	if err != nil {
		return jobs.Event{}, err
	}
	return jobs.DownloadEvent(down), nil
}

func (f *feedConn) forward(jobID string, events <-chan jobs.Event) {
	defer f.wg.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.push(ev)
			if ev.Terminal {
				f.unsubscribe(jobID)
				return
			}
		case <-f.done:
			return
		}
	}
}

func (f *feedConn) push(ev jobs.Event) {
	typ := MsgTypeProgress
	if ev.Terminal {
		typ = MsgTypeComplete
	}
	f.send(WSMessage{Type: typ, JobID: ev.JobID, Event: &ev})
}

func (f *feedConn) unsubscribe(jobID string) {
	f.mu.Lock()
	cancel, ok := f.subs[jobID]
	delete(f.subs, jobID)
	f.mu.Unlock()
	if ok {
		cancel()
	}
}

// shutdown cancels every subscription and stops the writer.
func (f *feedConn) shutdown() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		for id, cancel := range f.subs {
			cancel()
			delete(f.subs, id)
		}
		f.mu.Unlock()
		close(f.done)
	})
	f.wg.Wait()
}

func (f *feedConn) send(msg WSMessage) {
	msg.Timestamp = time.Now().UnixMilli()
	select {
	case f.out <- msg:
	case <-f.done:
	}
}

func (f *feedConn) sendError(jobID, message, code string) {
	f.send(WSMessage{Type: MsgTypeError, JobID: jobID, Message: message, Code: code})
}

func (f *feedConn) writeLoop() {
	for {
		select {
		case msg := <-f.out:
			f.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := f.ws.WriteJSON(msg); err != nil {
				f.logger.Warn("write failed", "error", err)
				// Unblock the reader so serve can wind down.
				f.ws.Close()
				return
			}
		case <-f.done:
			return
		}
	}
}
