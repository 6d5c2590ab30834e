package peer

import (
	"log/slog"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
)

// Session is one negotiation session with a single remote participant.
//
// Remote candidates that arrive before both descriptions are applied are
// buffered and applied in arrival order once they are. Local candidates are
// held back until the local description has been sent, so the remote side
// always sees the offer or answer first.
type Session struct {
	remoteID string
	pc       PeerConnection
	sig      Signaler
	log      *slog.Logger
	started  time.Time

	mu        sync.Mutex
	localSet  bool
	remoteSet bool
	announced bool
	closed    bool
	remote    []pion.ICECandidateInit
	local     []pion.ICECandidateInit

	closeOnce sync.Once
}

func newSession(remoteID string, pc PeerConnection, sig Signaler, logger *slog.Logger) *Session {
	s := &Session{
		remoteID: remoteID,
		pc:       pc,
		sig:      sig,
		log:      logger.With("remote", remoteID),
		started:  time.Now(),
	}
	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		s.log.Debug("peer connection state", "state", state.String())
	})
	return s
}

// RemoteID is the connection id of the other side.
func (s *Session) RemoteID() string { return s.remoteID }

// Negotiated reports whether both descriptions have been applied.
func (s *Session) Negotiated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localSet && s.remoteSet
}

// Age is the time since the session was created.
func (s *Session) Age() time.Duration { return time.Since(s.started) }

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ApplyLocal sets the local description.
func (s *Session) ApplyLocal(desc pion.SessionDescription) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.localSet = true
	s.flushRemoteLocked()
	return nil
}

// ApplyRemote sets the remote description.
func (s *Session) ApplyRemote(desc pion.SessionDescription) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteSet = true
	s.flushRemoteLocked()
	return nil
}

// AddCandidate applies a remote candidate, or buffers it until both
// descriptions are set.
func (s *Session) AddCandidate(c pion.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if !s.localSet || !s.remoteSet {
		s.remote = append(s.remote, c)
		return nil
	}
	return s.pc.AddICECandidate(c)
}

// Pending returns how many remote candidates are waiting.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remote)
}

func (s *Session) flushRemoteLocked() {
	if !s.localSet || !s.remoteSet || s.closed {
		return
	}
	for _, c := range s.remote {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn("failed to apply buffered candidate", "error", err)
		}
	}
	s.remote = nil
}

// announce marks the local description as sent and releases the local
// candidates gathered so far.
func (s *Session) announce() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.announced = true
	queued := s.local
	s.local = nil
	s.mu.Unlock()

	for _, c := range queued {
		s.sendCandidate(c)
	}
}

func (s *Session) onLocalCandidate(c pion.ICECandidateInit) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.announced {
		s.local = append(s.local, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.sendCandidate(c)
}

func (s *Session) sendCandidate(c pion.ICECandidateInit) {
	if err := s.sig.SendCandidate(s.remoteID, c); err != nil {
		s.log.Debug("failed to send candidate", "error", err)
	}
}

// Close tears the session down. It may be called any number of times and in
// any phase; the peer connection is released exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.remote = nil
		s.local = nil
		s.mu.Unlock()

		if err := s.pc.Close(); err != nil {
			s.log.Debug("error closing peer connection", "error", err)
		}
	})
}
