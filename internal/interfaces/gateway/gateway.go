package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/domain/chunk"
	"tutor-server/services/voice-api/internal/domain/job"
	"tutor-server/services/voice-api/internal/domain/session"
	"tutor-server/services/voice-api/internal/infrastructure/eventbus"
	"tutor-server/services/voice-api/internal/infrastructure/metrics"
	"tutor-server/services/voice-api/internal/infrastructure/queue"
)

// sink receives server events destined for one client connection.
type sink interface {
	writeEvent(ev eventbus.Event) error
}

// client is the per-connection state: which session the connection joined
// and how to unsubscribe it from the bus.
type client struct {
	out       sink
	userID    string
	sessionID string
	unsub     func()
	left      bool
}

// Gateway terminates client websockets and translates their messages into
// session transitions, chunk writes and queued jobs. It never blocks on a
// worker: after an enqueue it returns to the read loop and resumes when the
// job's events arrive over the bus.
type Gateway struct {
	registry  session.Registry
	chunks    *chunk.Store
	queue     queue.JobQueue
	bus       eventbus.Bus
	chunkSize int
	log       zerolog.Logger

	upgrader websocket.Upgrader
	draining atomic.Bool
	active   atomic.Int64
	wg       sync.WaitGroup
}

// New creates a gateway. chunkSize bounds individual chunk objects written
// from recorded blobs.
func New(
	registry session.Registry,
	chunks *chunk.Store,
	jobQueue queue.JobQueue,
	bus eventbus.Bus,
	chunkSize int,
	log zerolog.Logger,
) *Gateway {
	return &Gateway{
		registry:  registry,
		chunks:    chunks,
		queue:     jobQueue,
		bus:       bus,
		chunkSize: chunkSize,
		log:       log.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades an HTTP request to a websocket and serves it until the
// client disconnects.
func (g *Gateway) HandleWS(c *gin.Context) {
	if g.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is draining"})
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	userID := c.Query("user_id")
	if userID == "" {
		userID = "anon-" + uuid.NewString()
	}

	g.wg.Add(1)
	g.active.Add(1)
	defer func() {
		g.active.Add(-1)
		g.wg.Done()
	}()
	g.serve(c.Request.Context(), newConn(ws, g.log), userID)
}

func (g *Gateway) serve(ctx context.Context, c *conn, userID string) {
	defer c.close()

	cl := &client{out: c, userID: userID}
	defer g.cleanupAfterDisconnect(cl)

	for {
		data, err := c.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Debug().Err(err).Str("user_id", userID).Msg("connection closed unexpectedly")
			}
			return
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			metrics.GatewayEventsTotal.WithLabelValues("unknown", "malformed").Inc()
			g.emitError(cl, err.Error())
			continue
		}
		g.dispatch(ctx, cl, msg)
	}
}

// dispatch routes one parsed message. Every failure path answers with an
// error event; nothing here may terminate the connection.
func (g *Gateway) dispatch(ctx context.Context, cl *client, msg ClientMessage) {
	var err error
	switch msg.Type {
	case MsgJoin:
		err = g.handleJoin(ctx, cl, msg)
	case MsgStartRecording:
		err = g.handleStartRecording(ctx, cl)
	case MsgStopRecording:
		err = g.handleStopRecording(ctx, cl, msg)
	case MsgTextMessage:
		err = g.handleTextMessage(ctx, cl, msg)
	case MsgTTSComplete:
		err = g.handleTTSComplete(ctx, cl)
	case MsgLeave:
		err = g.handleLeave(cl)
	case MsgEnd:
		err = g.handleEnd(ctx, cl)
	}

	outcome := "ok"
	if err != nil {
		outcome = "rejected"
		g.emitError(cl, err.Error())
	}
	metrics.GatewayEventsTotal.WithLabelValues(msg.Type, outcome).Inc()
}

func (g *Gateway) handleJoin(ctx context.Context, cl *client, msg ClientMessage) error {
	if g.draining.Load() {
		return fmt.Errorf("server is draining, try again shortly")
	}

	var sess *session.Session
	if msg.SessionID != "" {
		existing, err := g.registry.Get(ctx, msg.SessionID)
		switch {
		case err == nil:
			if existing.Status == session.StatusEnded {
				return fmt.Errorf("session has ended")
			}
			sess = existing
		case errors.Is(err, session.ErrNotFound):
			// Unknown id: treat it as the client choosing its own id.
		default:
			return fmt.Errorf("look up session: %v", err)
		}
	}
	if sess == nil {
		settings := session.Settings{}
		if msg.Settings != nil {
			settings = *msg.Settings
		}
		sess = session.New(msg.SessionID, cl.userID, settings)
		if err := g.registry.Create(ctx, sess); err != nil {
			return fmt.Errorf("create session: %v", err)
		}
	}

	// Rejoining from this connection replaces any previous subscription.
	if cl.unsub != nil {
		cl.unsub()
		cl.unsub = nil
	}
	unsub, err := g.bus.Subscribe(ctx, sess.ID, func(_ context.Context, ev eventbus.Event) {
		if writeErr := cl.out.writeEvent(ev); writeErr != nil {
			g.log.Debug().Err(writeErr).Str("session_id", ev.SessionID).Msg("dropping event, client write failed")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to session events: %v", err)
	}

	cl.sessionID = sess.ID
	cl.unsub = unsub
	cl.left = false
	_ = g.registry.Touch(ctx, sess.ID)

	g.log.Info().Str("session_id", sess.ID).Str("user_id", cl.userID).Msg("client joined session")
	g.emit(cl, eventbus.TypeJoined, map[string]any{
		"session_id": sess.ID,
		"status":     sess.Status,
		"settings":   sess.Settings,
	})
	return nil
}

func (g *Gateway) handleStartRecording(ctx context.Context, cl *client) error {
	if cl.sessionID == "" {
		return fmt.Errorf("join a session first")
	}
	if err := g.registry.Transition(ctx, cl.sessionID, session.StatusIdle, session.StatusRecording); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("session not found")
		}
		return fmt.Errorf("cannot start recording in the current state")
	}
	g.emit(cl, eventbus.TypeRecordingStarted, nil)
	return nil
}

func (g *Gateway) handleStopRecording(ctx context.Context, cl *client, msg ClientMessage) error {
	if cl.sessionID == "" {
		return fmt.Errorf("join a session first")
	}
	sess, err := g.registry.Get(ctx, cl.sessionID)
	if err != nil {
		return fmt.Errorf("session not found")
	}

	if err := g.registry.Transition(ctx, cl.sessionID, session.StatusRecording, session.StatusProcessing); err != nil {
		return fmt.Errorf("no active recording")
	}

	audio, err := msg.DecodeAudio()
	if err != nil {
		g.release(ctx, cl.sessionID)
		return err
	}

	from, to, err := g.chunks.PutBlob(ctx, cl.sessionID, audio, msg.ContentType(), g.chunkSize)
	if err != nil {
		// Storage failure is fatal for this utterance; buffering and
		// retrying later would corrupt chunk ordering.
		g.release(ctx, cl.sessionID)
		return fmt.Errorf("store audio: %v", err)
	}

	payload := job.Payload{
		ChunkFrom:        from,
		ChunkTo:          to,
		ContentType:      msg.ContentType(),
		Language:         sess.Settings.Language,
		TTSEnabled:       sess.Settings.TTSEnabled,
		UserID:           cl.userID,
		ConversationID:   sess.ConversationID,
		UtteranceStartMs: utteranceStart(msg.Metadata),
	}
	if err := g.enqueueJob(ctx, cl.sessionID, job.New(cl.sessionID, job.TypeTranscription, payload)); err != nil {
		return err
	}

	g.emit(cl, eventbus.TypeRecordingStopped, nil)
	g.emit(cl, eventbus.TypeProcessing, eventbus.ProcessingPayload{Status: "transcribing"})
	return nil
}

func (g *Gateway) handleTextMessage(ctx context.Context, cl *client, msg ClientMessage) error {
	if cl.sessionID == "" {
		return fmt.Errorf("join a session first")
	}
	if msg.Text == "" {
		return fmt.Errorf("empty text message")
	}
	sess, err := g.registry.Get(ctx, cl.sessionID)
	if err != nil {
		return fmt.Errorf("session not found")
	}

	if err := g.registry.Transition(ctx, cl.sessionID, session.StatusIdle, session.StatusProcessing); err != nil {
		return fmt.Errorf("session is busy")
	}

	payload := job.Payload{
		Text:             msg.Text,
		Language:         sess.Settings.Language,
		TTSEnabled:       sess.Settings.TTSEnabled,
		UserID:           cl.userID,
		ConversationID:   sess.ConversationID,
		UtteranceStartMs: time.Now().UTC().UnixMilli(),
	}
	if err := g.enqueueJob(ctx, cl.sessionID, job.New(cl.sessionID, job.TypeResponse, payload)); err != nil {
		return err
	}

	g.emit(cl, eventbus.TypeProcessing, eventbus.ProcessingPayload{Status: "thinking"})
	return nil
}

func (g *Gateway) handleTTSComplete(ctx context.Context, cl *client) error {
	if cl.sessionID == "" {
		return fmt.Errorf("join a session first")
	}
	if err := g.registry.Transition(ctx, cl.sessionID, session.StatusSpeaking, session.StatusIdle); err != nil {
		return fmt.Errorf("session is not speaking")
	}
	g.emit(cl, eventbus.TypeReady, nil)
	return nil
}

func (g *Gateway) handleLeave(cl *client) error {
	if cl.sessionID == "" {
		return fmt.Errorf("join a session first")
	}
	// The session stays alive for a later rejoin; only the subscription goes.
	if cl.unsub != nil {
		cl.unsub()
		cl.unsub = nil
	}
	g.log.Info().Str("session_id", cl.sessionID).Msg("client left session")
	cl.sessionID = ""
	cl.left = true
	return nil
}

func (g *Gateway) handleEnd(ctx context.Context, cl *client) error {
	if cl.sessionID == "" {
		return fmt.Errorf("join a session first")
	}
	sessionID := cl.sessionID

	sess, err := g.endSession(ctx, sessionID)
	if err != nil {
		return err
	}

	g.emit(cl, eventbus.TypeEnded, eventbus.EndedPayload{
		DurationMs:      sess.Duration().Milliseconds(),
		MessageCount:    sess.Metrics.MessageCount,
		TotalDurationMs: sess.Metrics.TotalDurationMs,
		AvgLatencyMs:    sess.Metrics.AvgLatencyMs,
	})

	if cl.unsub != nil {
		cl.unsub()
		cl.unsub = nil
	}
	cl.sessionID = ""
	cl.left = true
	return nil
}

// endSession transitions a session to ended from whatever state it is in,
// abandons its jobs and schedules chunk cleanup.
func (g *Gateway) endSession(ctx context.Context, sessionID string) (*session.Session, error) {
	var sess *session.Session
	for attempt := 0; attempt < 3; attempt++ {
		current, err := g.registry.Get(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("session not found")
		}
		if current.Status == session.StatusEnded {
			return current, nil
		}
		if err := g.registry.Transition(ctx, sessionID, current.Status, session.StatusEnded); err == nil {
			sess = current
			break
		}
	}
	if sess == nil {
		return nil, fmt.Errorf("session is changing state, try again")
	}

	if _, err := g.queue.AbandonBySession(ctx, sessionID); err != nil {
		g.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to abandon session jobs")
	}

	go func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := g.chunks.Cleanup(cleanupCtx, sessionID); err != nil {
			g.log.Warn().Err(err).Str("session_id", sessionID).Msg("chunk cleanup failed")
		}
	}()

	g.log.Info().Str("session_id", sessionID).Msg("session ended")
	return sess, nil
}

// enqueueJob registers the job as the session's single active job, then
// queues it. Failure on either side rolls the session back to idle.
func (g *Gateway) enqueueJob(ctx context.Context, sessionID string, j *job.Job) error {
	if err := g.registry.SetActiveJob(ctx, sessionID, j.ID); err != nil {
		g.release(ctx, sessionID)
		if errors.Is(err, session.ErrJobActive) {
			return fmt.Errorf("a previous request is still processing")
		}
		return fmt.Errorf("reserve job slot: %v", err)
	}
	if err := g.queue.Enqueue(ctx, j); err != nil {
		_ = g.registry.ClearActiveJob(ctx, sessionID, j.ID)
		g.release(ctx, sessionID)
		return fmt.Errorf("queue work: %v", err)
	}
	return nil
}

// release returns a session from processing to idle after a gateway-side
// failure, so the client is not wedged.
func (g *Gateway) release(ctx context.Context, sessionID string) {
	if err := g.registry.Transition(ctx, sessionID, session.StatusProcessing, session.StatusIdle); err != nil {
		g.log.Debug().Err(err).Str("session_id", sessionID).Msg("session not in processing during release")
	}
}

// cleanupAfterDisconnect handles an abrupt connection loss: in-flight work
// is abandoned and a processing session returns to idle, but the session
// itself survives for a rejoin.
func (g *Gateway) cleanupAfterDisconnect(cl *client) {
	if cl.unsub != nil {
		cl.unsub()
		cl.unsub = nil
	}
	if cl.sessionID == "" || cl.left {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := g.queue.AbandonBySession(ctx, cl.sessionID); err != nil {
		g.log.Error().Err(err).Str("session_id", cl.sessionID).Msg("failed to abandon jobs on disconnect")
	}
	g.release(ctx, cl.sessionID)
	if err := g.registry.Transition(ctx, cl.sessionID, session.StatusRecording, session.StatusIdle); err == nil {
		g.log.Debug().Str("session_id", cl.sessionID).Msg("recording cancelled by disconnect")
	}
	g.log.Info().Str("session_id", cl.sessionID).Msg("client disconnected, session kept for rejoin")
}

// StartDraining makes the gateway refuse new connections and joins while
// existing sessions finish.
func (g *Gateway) StartDraining() {
	g.draining.Store(true)
	g.log.Info().Msg("gateway draining, refusing new sessions")
}

// ActiveConnections reports how many websockets are currently served.
func (g *Gateway) ActiveConnections() int64 {
	return g.active.Load()
}

// Wait blocks until every connection handler has returned.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

func (g *Gateway) emit(cl *client, eventType string, payload any) {
	if err := eventbus.PublishJSON(context.Background(), directSink{cl.out}, eventType, cl.sessionID, "", payload); err != nil {
		g.log.Debug().Err(err).Str("event", eventType).Msg("direct emit failed")
	}
}

func (g *Gateway) emitError(cl *client, message string) {
	g.emit(cl, eventbus.TypeError, eventbus.ErrorPayload{Error: message})
}

func utteranceStart(md *AudioMetadata) int64 {
	if md != nil && md.UtteranceStartMs > 0 {
		return md.UtteranceStartMs
	}
	return time.Now().UTC().UnixMilli()
}

// directSink adapts a connection sink to the Bus interface so client-driven
// acknowledgments reuse the same event envelope as bus-delivered results.
type directSink struct{ out sink }

func (d directSink) Publish(_ context.Context, ev eventbus.Event) error {
	return d.out.writeEvent(ev)
}

func (d directSink) Subscribe(context.Context, string, eventbus.Handler) (func(), error) {
	return nil, fmt.Errorf("direct sink does not support subscriptions")
}

func (d directSink) Health(context.Context) error { return nil }
