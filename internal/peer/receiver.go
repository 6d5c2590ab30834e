package peer

import (
	"fmt"
	"log/slog"
	"sync"

	pion "github.com/pion/webrtc/v4"
)

// maxEarlyCandidates bounds the candidates kept for a caller whose offer has
// not arrived yet.
const maxEarlyCandidates = 64

// Receiver holds the single inbound session of a receiving participant.
type Receiver struct {
	newPC  Factory
	sig    Signaler
	render Renderer
	log    *slog.Logger

	mu      sync.Mutex
	session *Session
	sharer  string
	early   map[string][]pion.ICECandidateInit
}

// NewReceiver creates a Receiver that hands inbound tracks to render.
func NewReceiver(newPC Factory, sig Signaler, render Renderer, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		newPC:  newPC,
		sig:    sig,
		render: render,
		log:    logger.With("component", "receiver"),
	}
}

// HandleOffer answers an offer from caller, replacing any existing session.
func (r *Receiver) HandleOffer(caller string, offer pion.SessionDescription) error {
	pc, err := r.newPC()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	s := newSession(caller, pc, r.sig, r.log)
	pc.OnTrack(func(t Track) { r.onTrack(s, t) })

	r.mu.Lock()
	old := r.session
	r.session = s
	r.sharer = caller
	early := r.early[caller]
	r.early = nil
	r.mu.Unlock()

	if old != nil {
		r.log.Debug("replacing inbound session", "old", old.remoteID, "new", caller)
		old.Close()
		r.render.Clear()
	}

	// Buffered in the session until both descriptions are set.
	for _, c := range early {
		if err := s.AddCandidate(c); err != nil {
			r.log.Warn("dropping early candidate", "caller", caller, "error", err)
		}
	}

	if err := r.answer(s, offer); err != nil {
		r.drop(s)
		return err
	}
	return nil
}

func (r *Receiver) answer(s *Session, offer pion.SessionDescription) error {
	if err := s.ApplyRemote(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.ApplyLocal(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := r.sig.SendAnswer(s.remoteID, answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	s.announce()
	return nil
}

func (r *Receiver) onTrack(s *Session, t Track) {
	r.mu.Lock()
	current := r.session == s
	r.mu.Unlock()
	if !current {
		return
	}

	r.log.Info("receiving track", "track", t.ID(), "codec", t.Codec().MimeType)
	go r.render.Render(t)
}

// HandleCandidate applies a candidate from the current sharer. Candidates
// from anyone else are kept until that caller's offer arrives, and dropped
// if a different offer comes first.
func (r *Receiver) HandleCandidate(caller string, c pion.ICECandidateInit) error {
	r.mu.Lock()
	s := r.session
	if s == nil || s.remoteID != caller {
		r.hold(caller, c)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return s.AddCandidate(c)
}

// hold must be called with mu held.
func (r *Receiver) hold(caller string, c pion.ICECandidateInit) {
	if r.early == nil {
		r.early = make(map[string][]pion.ICECandidateInit)
	}
	if len(r.early[caller]) >= maxEarlyCandidates {
		r.log.Debug("too many early candidates", "caller", caller)
		return
	}
	r.early[caller] = append(r.early[caller], c)
}

// Reset tears the inbound session down and clears the renderer.
func (r *Receiver) Reset() {
	r.mu.Lock()
	s := r.session
	r.session = nil
	r.sharer = ""
	r.early = nil
	r.mu.Unlock()

	if s != nil {
		s.Close()
	}
	r.render.Clear()
}

// HasSession reports whether an inbound session exists.
func (r *Receiver) HasSession() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil
}

// Sharer returns the connection id of the current sender, or "".
func (r *Receiver) Sharer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sharer
}

func (r *Receiver) drop(s *Session) {
	r.mu.Lock()
	if r.session == s {
		r.session = nil
		r.sharer = ""
	}
	r.mu.Unlock()
	s.Close()
}
