// Package peer negotiates the media sessions between the sharer and each
// receiver: one session per receiver on the sharing side, one inbound session
// on the receiving side.
package peer

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
)

var (
	ErrSessionClosed = errors.New("negotiation session closed")
	ErrNoSession     = errors.New("no negotiation session")
)

// PeerConnection is the part of a WebRTC peer connection the engine drives.
type PeerConnection interface {
	CreateOffer() (pion.SessionDescription, error)
	CreateAnswer() (pion.SessionDescription, error)
	SetLocalDescription(pion.SessionDescription) error
	SetRemoteDescription(pion.SessionDescription) error
	AddICECandidate(pion.ICECandidateInit) error
	AddTrack(pion.TrackLocal) error

	// OnICECandidate is called for every gathered local candidate.
	OnICECandidate(func(pion.ICECandidateInit))
	OnTrack(func(Track))
	OnConnectionStateChange(func(pion.PeerConnectionState))

	Close() error
}

// Track is an inbound media track.
type Track interface {
	ID() string
	Codec() pion.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Factory creates a fresh PeerConnection for every session.
type Factory func() (PeerConnection, error)

// Signaler delivers negotiation messages to a remote participant.
type Signaler interface {
	SendOffer(target string, offer pion.SessionDescription) error
	SendAnswer(target string, answer pion.SessionDescription) error
	SendCandidate(target string, candidate pion.ICECandidateInit) error
}

// ICEConfig lists the STUN and TURN servers used for connectivity.
type ICEConfig struct {
	STUNServers  []string
	TURNServers  []string
	TURNUsername string
	TURNPassword string

	// ForceRelay sends all media through TURN. It is also switched on
	// automatically when the host looks like it is behind a VPN or CGNAT.
	ForceRelay bool
}

// Configuration converts c into a pion configuration.
func (c ICEConfig) Configuration() pion.Configuration {
	var servers []pion.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, pion.ICEServer{URLs: c.STUNServers})
	}
	if len(c.TURNServers) > 0 {
		servers = append(servers, pion.ICEServer{
			URLs:       c.TURNServers,
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}

	policy := pion.ICETransportPolicyAll
	if len(c.TURNServers) > 0 && (c.ForceRelay || shouldForceRelay()) {
		policy = pion.ICETransportPolicyRelay
	}

	return pion.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
	}
}

// NewPionFactory returns a Factory backed by pion/webrtc. Every connection
// shares one API with the default codecs and the default interceptors
// (NACK, RTCP reports, TWCC).
func NewPionFactory(cfg ICEConfig) Factory {
	conf := cfg.Configuration()
	api, err := newPionAPI()
	if err != nil {
		return func() (PeerConnection, error) {
			return nil, fmt.Errorf("set up webrtc: %w", err)
		}
	}
	return func() (PeerConnection, error) {
		pc, err := api.NewPeerConnection(conf)
		if err != nil {
			return nil, err
		}
		return &pionConn{pc: pc}, nil
	}
}

func newPionAPI() (*pion.API, error) {
	media := &pion.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(media, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return pion.NewAPI(pion.WithMediaEngine(media), pion.WithInterceptorRegistry(registry)), nil
}

type pionConn struct {
	pc *pion.PeerConnection
}

func (p *pionConn) CreateOffer() (pion.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionConn) CreateAnswer() (pion.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionConn) SetLocalDescription(d pion.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionConn) SetRemoteDescription(d pion.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionConn) AddICECandidate(c pion.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionConn) AddTrack(t pion.TrackLocal) error {
	sender, err := p.pc.AddTrack(t)
	if err != nil {
		return err
	}

	// RTCP has to be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionConn) OnICECandidate(fn func(pion.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionConn) OnTrack(fn func(Track)) {
	p.pc.OnTrack(func(t *pion.TrackRemote, _ *pion.RTPReceiver) {
		fn(t)
	})
}

func (p *pionConn) OnConnectionStateChange(fn func(pion.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionConn) Close() error {
	return p.pc.Close()
}

// shouldForceRelay checks if the host is likely behind a restrictive VPN or
// CGNAT, where direct connectivity usually fails.
func shouldForceRelay() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	// Cloudflare WARP, Tailscale and carrier grade NAT use 100.64.0.0/10.
	_, cgnat, _ := net.ParseCIDR("100.64.0.0/10")

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if looksLikeTunnel(iface.Name) {
			return true
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && cgnat.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func looksLikeTunnel(name string) bool {
	name = strings.ToLower(name)
	for _, marker := range []string{"tun", "tap", "wg", "ppp", "warp"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
