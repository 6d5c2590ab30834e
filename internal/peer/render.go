package peer

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
)

// Renderer consumes inbound tracks.
type Renderer interface {
	// Render reads t until it ends. It is called on its own goroutine.
	Render(t Track)

	// Clear drops whatever is currently shown.
	Clear()
}

// IVFRenderer records every rendered video track to a new IVF file in Dir.
type IVFRenderer struct {
	Dir string

	mu      sync.Mutex
	seq     int
	writers map[*recording]struct{}
	log     *slog.Logger
}

// recording is one open IVF file. Render writes and Clear finalizes it from
// different goroutines, so both go through mu.
type recording struct {
	mu     sync.Mutex
	w      *ivfwriter.IVFWriter
	closed bool
}

// write reports false once the recording has been finalized.
func (rec *recording) write(pkt *rtp.Packet) (bool, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return false, nil
	}
	return true, rec.w.WriteRTP(pkt)
}

func (rec *recording) close() error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return nil
	}
	rec.closed = true
	return rec.w.Close()
}

// NewIVFRenderer records into dir, creating it if needed.
func NewIVFRenderer(dir string) (*IVFRenderer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &IVFRenderer{
		Dir:     dir,
		writers: make(map[*recording]struct{}),
		log:     slog.Default().With("component", "ivf-renderer"),
	}, nil
}

func (r *IVFRenderer) Render(t Track) {
	mime := t.Codec().MimeType
	if _, err := fourCCFor(mime); err != nil {
		r.log.Warn("skipping track", "track", t.ID(), "error", err)
		drain(t)
		return
	}

	r.mu.Lock()
	r.seq++
	path := filepath.Join(r.Dir, fmt.Sprintf("stream-%03d-%s.ivf", r.seq, time.Now().Format("150405")))
	w, err := ivfwriter.New(path, ivfwriter.WithCodec(mime))
	var rec *recording
	if err == nil {
		rec = &recording{w: w}
		r.writers[rec] = struct{}{}
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Error("failed to create recording", "path", path, "error", err)
		drain(t)
		return
	}
	r.log.Info("recording stream", "path", path)

	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			break
		}
		open, err := rec.write(pkt)
		if !open {
			// Cleared while the track is still live.
			drain(t)
			break
		}
		if err != nil {
			r.log.Warn("recording failed", "path", path, "error", err)
			drain(t)
			break
		}
	}
	r.finish(rec)
}

// Clear finalizes every open recording.
func (r *IVFRenderer) Clear() {
	r.mu.Lock()
	writers := r.writers
	r.writers = make(map[*recording]struct{})
	r.mu.Unlock()

	for rec := range writers {
		if err := rec.close(); err != nil {
			r.log.Warn("failed to finalize recording", "error", err)
		}
	}
}

func (r *IVFRenderer) finish(rec *recording) {
	r.mu.Lock()
	delete(r.writers, rec)
	r.mu.Unlock()

	if err := rec.close(); err != nil {
		r.log.Warn("failed to finalize recording", "error", err)
	}
}

func fourCCFor(mime string) (string, error) {
	switch mime {
	case pion.MimeTypeVP8:
		return "VP80", nil
	case pion.MimeTypeVP9:
		return "VP90", nil
	case pion.MimeTypeAV1:
		return "AV01", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, mime)
}

func drain(t Track) {
	for {
		if _, _, err := t.ReadRTP(); err != nil {
			return
		}
	}
}

// Stats describes the stream currently being rendered.
type Stats struct {
	TrackID string
	Codec   string
	Packets uint64
	Bytes   uint64
	Active  bool
}

// StatsRenderer counts inbound packets and reports them periodically.
type StatsRenderer struct {
	Interval time.Duration
	OnStats  func(Stats)

	mu    sync.Mutex
	gen   uint64
	stats Stats
}

// NewStatsRenderer reports to fn every interval.
func NewStatsRenderer(interval time.Duration, fn func(Stats)) *StatsRenderer {
	return &StatsRenderer{Interval: interval, OnStats: fn}
}

func (r *StatsRenderer) Render(t Track) {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.stats = Stats{TrackID: t.ID(), Codec: t.Codec().MimeType, Active: true}
	r.mu.Unlock()
	r.report(gen)

	last := time.Now()
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			break
		}

		r.mu.Lock()
		if r.gen != gen {
			r.mu.Unlock()
			drain(t)
			return
		}
		r.stats.Packets++
		r.stats.Bytes += uint64(len(pkt.Payload))
		r.mu.Unlock()

		if time.Since(last) >= r.Interval {
			r.report(gen)
			last = time.Now()
		}
	}
	r.report(gen)
}

// Clear resets the counters and reports an inactive stream.
func (r *StatsRenderer) Clear() {
	r.mu.Lock()
	r.gen++
	r.stats = Stats{}
	fn := r.OnStats
	r.mu.Unlock()

	if fn != nil {
		fn(Stats{})
	}
}

// Snapshot returns the current counters.
func (r *StatsRenderer) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *StatsRenderer) report(gen uint64) {
	r.mu.Lock()
	if r.gen != gen || r.OnStats == nil {
		r.mu.Unlock()
		return
	}
	s := r.stats
	fn := r.OnStats
	r.mu.Unlock()
	fn(s)
}

// MultiRenderer tees every track to all of its renderers.
type MultiRenderer []Renderer

func (m MultiRenderer) Render(t Track) {
	if len(m) == 1 {
		m[0].Render(t)
		return
	}

	branches := make([]*teeTrack, len(m))
	var wg sync.WaitGroup
	for i, r := range m {
		branches[i] = newTeeTrack(t)
		wg.Add(1)
		go func(r Renderer, tt *teeTrack) {
			defer wg.Done()
			defer tt.abandon()
			r.Render(tt)
		}(r, branches[i])
	}

	for {
		pkt, attr, err := t.ReadRTP()
		if err != nil {
			break
		}
		for _, b := range branches {
			b.push(pkt, attr)
		}
	}
	for _, b := range branches {
		b.close()
	}
	wg.Wait()
}

func (m MultiRenderer) Clear() {
	for _, r := range m {
		r.Clear()
	}
}

type teePacket struct {
	pkt  *rtp.Packet
	attr interceptor.Attributes
}

// teeTrack is one branch of a MultiRenderer. A branch that falls behind
// loses packets rather than stalling the others.
type teeTrack struct {
	src     Track
	packets chan teePacket
	gone    chan struct{}
	once    sync.Once
}

func newTeeTrack(src Track) *teeTrack {
	return &teeTrack{
		src:     src,
		packets: make(chan teePacket, 256),
		gone:    make(chan struct{}),
	}
}

func (t *teeTrack) ID() string                     { return t.src.ID() }
func (t *teeTrack) Codec() pion.RTPCodecParameters { return t.src.Codec() }

func (t *teeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-t.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return p.pkt, p.attr, nil
}

func (t *teeTrack) push(pkt *rtp.Packet, attr interceptor.Attributes) {
	select {
	case <-t.gone:
	case t.packets <- teePacket{pkt: pkt, attr: attr}:
	default:
	}
}

func (t *teeTrack) close() { close(t.packets) }

func (t *teeTrack) abandon() { t.once.Do(func() { close(t.gone) }) }

