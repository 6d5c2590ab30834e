package peer

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	pion "github.com/pion/webrtc/v4"
)

// Broadcaster holds the sharer's outbound sessions, one per receiver.
// Tearing sessions down never stops the capture whose tracks they carry.
type Broadcaster struct {
	newPC Factory
	sig   Signaler
	log   *slog.Logger

	mu       sync.Mutex
	tracks   []pion.TrackLocal
	sessions map[string]*Session
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(newPC Factory, sig Signaler, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		newPC:    newPC,
		sig:      sig,
		log:      logger.With("component", "broadcaster"),
		sessions: make(map[string]*Session),
	}
}

// SetTracks sets the tracks attached to sessions created from now on.
func (b *Broadcaster) SetTracks(tracks []pion.TrackLocal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracks = append([]pion.TrackLocal(nil), tracks...)
}

// Offer starts a fresh session with remoteID. Any existing session with the
// same receiver is destroyed first, so repeated offers leave exactly one.
func (b *Broadcaster) Offer(remoteID string) error {
	pc, err := b.newPC()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	s := newSession(remoteID, pc, b.sig, b.log)

	b.mu.Lock()
	old := b.sessions[remoteID]
	b.sessions[remoteID] = s
	tracks := b.tracks
	b.mu.Unlock()

	if old != nil {
		b.log.Debug("replacing session", "remote", remoteID)
		old.Close()
	}

	if err := b.negotiate(s, tracks); err != nil {
		b.forget(s)
		return err
	}
	return nil
}

func (b *Broadcaster) negotiate(s *Session, tracks []pion.TrackLocal) error {
	for _, t := range tracks {
		if err := s.pc.AddTrack(t); err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
	}

	offer, err := s.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.ApplyLocal(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := b.sig.SendOffer(s.remoteID, offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	s.announce()
	return nil
}

// HandleAnswer applies the receiver's answer.
func (b *Broadcaster) HandleAnswer(remoteID string, answer pion.SessionDescription) error {
	s := b.session(remoteID)
	if s == nil {
		return fmt.Errorf("answer from %s: %w", remoteID, ErrNoSession)
	}
	if err := s.ApplyRemote(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// HandleCandidate applies or buffers a candidate from remoteID.
func (b *Broadcaster) HandleCandidate(remoteID string, c pion.ICECandidateInit) error {
	s := b.session(remoteID)
	if s == nil {
		return fmt.Errorf("candidate from %s: %w", remoteID, ErrNoSession)
	}
	return s.AddCandidate(c)
}

// Drop tears down the session with remoteID, if any.
func (b *Broadcaster) Drop(remoteID string) bool {
	b.mu.Lock()
	s, ok := b.sessions[remoteID]
	delete(b.sessions, remoteID)
	b.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

// DropAll tears down every session.
func (b *Broadcaster) DropAll() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Receivers returns the ids with a live session, sorted.
func (b *Broadcaster) Receivers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Session returns the live session with remoteID, or nil.
func (b *Broadcaster) Session(remoteID string) *Session {
	return b.session(remoteID)
}

func (b *Broadcaster) session(remoteID string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[remoteID]
}

// forget closes s and removes it if it is still the current session.
func (b *Broadcaster) forget(s *Session) {
	b.mu.Lock()
	if b.sessions[s.remoteID] == s {
		delete(b.sessions, s.remoteID)
	}
	b.mu.Unlock()
	s.Close()
}
