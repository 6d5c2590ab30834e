// Package peertest provides deterministic stand-ins for WebRTC peer
// connections, tracks, captures and renderers.
package peertest

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Liveroom/internal/peer"
)

const trackAttr = "a=x-fake-track:"

// PacketsPerTrack is how many RTP packets each fake inbound track yields.
const PacketsPerTrack = 3

var (
	ErrNoRemoteDescription = errors.New("fake: remote description not set")
	ErrClosed              = errors.New("fake: peer connection closed")
)

var peerSeq atomic.Uint64

// Peer is a fake peer.PeerConnection. It behaves like pion where the engine
// cares: candidates are rejected before a remote description is set, a local
// candidate is gathered every time a local description is applied, and
// inbound tracks show up once an offer carrying them is applied.
type Peer struct {
	ID uint64

	mu          sync.Mutex
	local       *pion.SessionDescription
	remote      *pion.SessionDescription
	tracks      []string
	applied     []pion.ICECandidateInit
	onCandidate func(pion.ICECandidateInit)
	onTrack     func(peer.Track)
	onState     func(pion.PeerConnectionState)
	inbound     []*Track
	closes      int
}

func newPeer() *Peer {
	return &Peer{ID: peerSeq.Add(1)}
}

func (p *Peer) CreateOffer() (pion.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return pion.SessionDescription{}, ErrClosed
	}
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: p.sdpLocked("offer")}, nil
}

func (p *Peer) CreateAnswer() (pion.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return pion.SessionDescription{}, ErrClosed
	}
	if p.remote == nil {
		return pion.SessionDescription{}, ErrNoRemoteDescription
	}
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: p.sdpLocked("answer")}, nil
}

func (p *Peer) sdpLocked(kind string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=fake %d 1 IN IP4 127.0.0.1\r\ns=%s\r\n", p.ID, kind)
	for _, id := range p.tracks {
		b.WriteString(trackAttr + id + "\r\n")
	}
	return b.String()
}

func (p *Peer) SetLocalDescription(d pion.SessionDescription) error {
	p.mu.Lock()
	if p.closes > 0 {
		p.mu.Unlock()
		return ErrClosed
	}
	p.local = &d
	fn := p.onCandidate
	p.mu.Unlock()

	if fn != nil {
		fn(pion.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", p.ID, 50000+p.ID)})
	}
	return nil
}

func (p *Peer) SetRemoteDescription(d pion.SessionDescription) error {
	p.mu.Lock()
	if p.closes > 0 {
		p.mu.Unlock()
		return ErrClosed
	}
	p.remote = &d

	var tracks []*Track
	if d.Type == pion.SDPTypeOffer {
		for _, line := range strings.Split(d.SDP, "\r\n") {
			if id, ok := strings.CutPrefix(line, trackAttr); ok {
				t := NewTrack(id, PacketsPerTrack)
				p.inbound = append(p.inbound, t)
				tracks = append(tracks, t)
			}
		}
	}
	fn := p.onTrack
	p.mu.Unlock()

	if fn != nil {
		for _, t := range tracks {
			go fn(t)
		}
	}
	return nil
}

func (p *Peer) AddICECandidate(c pion.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return ErrClosed
	}
	if p.remote == nil {
		return ErrNoRemoteDescription
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *Peer) AddTrack(t pion.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return ErrClosed
	}
	p.tracks = append(p.tracks, t.ID())
	return nil
}

func (p *Peer) OnICECandidate(fn func(pion.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *Peer) OnTrack(fn func(peer.Track)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *Peer) OnConnectionStateChange(fn func(pion.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *Peer) Close() error {
	p.mu.Lock()
	p.closes++
	first := p.closes == 1
	inbound := p.inbound
	fn := p.onState
	p.mu.Unlock()

	if first {
		for _, t := range inbound {
			t.End()
		}
		if fn != nil {
			fn(pion.PeerConnectionStateClosed)
		}
	}
	return nil
}

// Applied returns the remote candidates accepted so far, in order.
func (p *Peer) Applied() []pion.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pion.ICECandidateInit(nil), p.applied...)
}

// Closes returns how often Close was called.
func (p *Peer) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Tracks returns the ids of the local tracks added.
func (p *Peer) Tracks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tracks...)
}

// Descriptions reports which descriptions have been applied.
func (p *Peer) Descriptions() (local, remote bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local != nil, p.remote != nil
}

// Factory hands out fake peers and remembers them.
type Factory struct {
	mu    sync.Mutex
	peers []*Peer

	// Err, when set, is returned instead of a new peer.
	Err error
}

// New satisfies peer.Factory.
func (f *Factory) New() (peer.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	p := newPeer()
	f.peers = append(f.peers, p)
	return p, nil
}

// Peers returns every peer created so far.
func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Open returns the peers that have not been closed.
func (f *Factory) Open() []*Peer {
	var open []*Peer
	for _, p := range f.Peers() {
		if p.Closes() == 0 {
			open = append(open, p)
		}
	}
	return open
}

// Track is a fake inbound track that yields a fixed number of packets and
// then blocks until it is ended.
type Track struct {
	id      string
	packets chan *rtp.Packet
	ended   chan struct{}
	once    sync.Once
}

// NewTrack creates a VP8 track that yields n packets.
func NewTrack(id string, n int) *Track {
	t := &Track{
		id:      id,
		packets: make(chan *rtp.Packet, n),
		ended:   make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		t.packets <- &rtp.Packet{
			Header:  rtp.Header{Version: 2, SequenceNumber: uint16(i + 1), Timestamp: uint32(i * 3000)},
			Payload: []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a},
		}
	}
	return t
}

func (t *Track) ID() string { return t.id }

func (t *Track) Codec() pion.RTPCodecParameters {
	return pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}
}

func (t *Track) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case pkt := <-t.packets:
		return pkt, interceptor.Attributes{}, nil
	default:
	}
	select {
	case pkt := <-t.packets:
		return pkt, interceptor.Attributes{}, nil
	case <-t.ended:
		return nil, nil, io.EOF
	}
}

// End makes ReadRTP return io.EOF once the queued packets are read.
func (t *Track) End() {
	t.once.Do(func() { close(t.ended) })
}

// Capture is a fake peer.CaptureSource.
type Capture struct {
	tracks []pion.TrackLocal
	done   chan struct{}
	once   sync.Once
	stops  atomic.Int32
}

// NewCapture creates a capture with one VP8 sample track.
func NewCapture() *Capture {
	track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8}, "screen", "peertest")
	if err != nil {
		panic(err)
	}
	return &Capture{tracks: []pion.TrackLocal{track}, done: make(chan struct{})}
}

func (c *Capture) Tracks() []pion.TrackLocal { return c.tracks }

func (c *Capture) Done() <-chan struct{} { return c.done }

func (c *Capture) Stop() {
	c.stops.Add(1)
	c.End()
}

// End simulates the capture being revoked outside the application.
func (c *Capture) End() {
	c.once.Do(func() { close(c.done) })
}

// Stops returns how often Stop was called.
func (c *Capture) Stops() int { return int(c.stops.Load()) }

// Renderer counts rendered packets and clears.
type Renderer struct {
	mu      sync.Mutex
	tracks  int
	packets int
	clears  int
}

func (r *Renderer) Render(t peer.Track) {
	r.mu.Lock()
	r.tracks++
	r.mu.Unlock()

	for {
		if _, _, err := t.ReadRTP(); err != nil {
			return
		}
		r.mu.Lock()
		r.packets++
		r.mu.Unlock()
	}
}

func (r *Renderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
}

// Counts returns tracks rendered, packets read and clears.
func (r *Renderer) Counts() (tracks, packets, clears int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracks, r.packets, r.clears
}

// Signal is one message recorded by Signaler.
type Signal struct {
	Kind      string
	Target    string
	SDP       pion.SessionDescription
	Candidate pion.ICECandidateInit
}

// Signaler records everything sent through it.
type Signaler struct {
	mu   sync.Mutex
	sent []Signal
}

func (s *Signaler) SendOffer(target string, offer pion.SessionDescription) error {
	s.record(Signal{Kind: "offer", Target: target, SDP: offer})
	return nil
}

func (s *Signaler) SendAnswer(target string, answer pion.SessionDescription) error {
	s.record(Signal{Kind: "answer", Target: target, SDP: answer})
	return nil
}

func (s *Signaler) SendCandidate(target string, c pion.ICECandidateInit) error {
	s.record(Signal{Kind: "candidate", Target: target, Candidate: c})
	return nil
}

func (s *Signaler) record(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sig)
}

// Sent returns the recorded messages in order.
func (s *Signaler) Sent() []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Signal(nil), s.sent...)
}

// Kinds returns the kinds of the recorded messages for target.
func (s *Signaler) Kinds(target string) []string {
	var kinds []string
	for _, sig := range s.Sent() {
		if sig.Target == target {
			kinds = append(kinds, sig.Kind)
		}
	}
	return kinds
}
