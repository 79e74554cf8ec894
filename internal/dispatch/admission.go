package dispatch

import (
	"context"
	"errors"

	"github.com/Tyrowin/gochat-presence/internal/batcher"
	"github.com/Tyrowin/gochat-presence/internal/presence"
	"github.com/Tyrowin/gochat-presence/internal/protocol"
	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/Tyrowin/gochat-presence/internal/sendqueue"
	"go.uber.org/zap"
)

// Admission rejection reasons, sent as the close reason by the HTTP layer.
const (
	ReasonBreakerOpen = "breaker_open"
	ReasonCapacity    = "capacity_exceeded"
	ReasonStopped     = "shutting_down"
)

// ErrStopped is wrapped by admissions attempted after Shutdown.
var ErrStopped = errors.New("dispatch: service stopped")

// AdmissionError reports why Connect refused a transport. The caller still
// owns the transport and must close it.
type AdmissionError struct {
	Reason string
	Err    error
}

func (e *AdmissionError) Error() string {
	return "admission rejected: " + e.Reason
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// Connect admits a transport for userID, optionally scoped to channelID. On
// success the client receives connection_established and, if this is the
// user's first activity, every other user is told the user came online.
func (s *Service) Connect(_ context.Context, userID registry.UserID, channelID registry.ChannelID, class registry.Class, t registry.Transport) (*registry.Connection, error) {
	if s.isStopped() {
		return nil, &AdmissionError{Reason: ReasonStopped, Err: ErrStopped}
	}
	if err := s.breaker.Allow(); err != nil {
		s.metrics.ConnectionError()
		s.log.Warn("connection rejected",
			zap.Int64("user_id", int64(userID)),
			zap.String("reason", ReasonBreakerOpen))
		return nil, &AdmissionError{Reason: ReasonBreakerOpen, Err: err}
	}
	conn, err := s.registry.Admit(userID, channelID, class, t)
	if err != nil {
		s.metrics.ConnectionError()
		s.log.Warn("connection rejected",
			zap.Int64("user_id", int64(userID)),
			zap.String("reason", ReasonCapacity))
		return nil, &AdmissionError{Reason: ReasonCapacity, Err: err}
	}

	// The online notice is queued before the first write so a failing
	// transport's offline notice can never overtake it.
	if s.presence.Heartbeat(userID) {
		s.broadcastStatus(userID, presence.Status{Online: true, LastActivity: s.now()})
	}

	welcome := protocol.MustEncode(protocol.TypeConnectionEstablished, protocol.WelcomeData{
		ConnectionID: string(conn.ID),
		UserID:       int64(userID),
		ChannelID:    int64(channelID),
		Class:        string(class),
	}, s.now())
	s.sendToConn(conn, welcome)

	s.log.Info("user connected",
		zap.Int64("user_id", int64(userID)),
		zap.Int64("channel_id", int64(channelID)),
		zap.String("conn_id", string(conn.ID)),
		zap.String("class", string(class)))
	return conn, nil
}

// HandshakeFailed records a connection attempt that failed before admission,
// such as a failed WebSocket upgrade. It counts against the admission breaker.
func (s *Service) HandshakeFailed(err error) {
	s.metrics.ConnectionError()
	s.breaker.RecordFailure()
	s.log.Info("connection handshake failed", zap.Error(err))
}

// Disconnect removes userID's connections scoped to channelID, or all of them
// when channelID is registry.NoChannel. It is idempotent.
func (s *Service) Disconnect(userID registry.UserID, channelID registry.ChannelID) registry.Removal {
	return s.registry.Remove(userID, channelID)
}

// DisconnectConn removes one connection, typically when its read loop ends.
func (s *Service) DisconnectConn(id registry.ConnID) registry.Removal {
	return s.registry.RemoveConn(id, registry.ReasonDisconnect)
}

// onRemove runs after every registry removal, whatever the cause.
func (s *Service) onRemove(removal registry.Removal) {
	for _, u := range removal.LastForUser {
		st, ok := s.presence.MarkOffline(u)
		if !ok {
			continue
		}
		s.log.Info("user went offline",
			zap.Int64("user_id", int64(u)),
			zap.String("reason", removal.Reason))
		s.broadcastStatus(u, st)
	}
}

// onPresenceOffline is the sweep notifier.
func (s *Service) onPresenceOffline(userID registry.UserID, st presence.Status) {
	s.broadcastStatus(userID, st)
}

func (s *Service) broadcastStatus(userID registry.UserID, st presence.Status) {
	data := protocol.StatusData{UserID: int64(userID), Status: protocol.StatusOffline}
	if st.Online {
		data.Status = protocol.StatusOnline
	}
	if !st.LastActivity.IsZero() {
		data.LastActivity = protocol.Timestamp(st.LastActivity)
	}
	payload := protocol.MustEncode(protocol.TypeUserStatusChanged, data, s.now())
	s.Broadcast(payload, batcher.PriorityNormal, userID)
}

// onResult is the send worker hook. Any failed write removes the connection
// and counts against the admission breaker.
func (s *Service) onResult(out sendqueue.Outcome) {
	if out.Result == sendqueue.ResultOK {
		s.metrics.MessageSent(len(out.Job.Frame), out.Latency)
		s.registry.TouchConn(out.Conn.ID)
		return
	}
	s.metrics.SendFailed(out.Result.String())
	s.breaker.RecordFailure()
	s.log.Info("write failed, removing connection",
		zap.String("conn_id", string(out.Conn.ID)),
		zap.Int64("user_id", int64(out.Conn.UserID)),
		zap.Stringer("result", out.Result),
		zap.Error(out.Err))
	s.registry.RemoveConn(out.Conn.ID, registry.ReasonSendFailed)
}
