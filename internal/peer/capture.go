package peer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

// CaptureSource produces the local media shared with receivers.
type CaptureSource interface {
	Tracks() []pion.TrackLocal

	// Done is closed when the source stops producing media, whether by
	// Stop or because the capture ended on its own.
	Done() <-chan struct{}

	Stop()
}

var ErrUnsupportedCodec = errors.New("unsupported IVF codec")

// FileCapture plays an IVF file into a sample track at the file's frame rate.
type FileCapture struct {
	path  string
	loop  bool
	track *pion.TrackLocalStaticSample
	frame time.Duration
	log   *slog.Logger

	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func mimeForFourCC(fourcc string) (string, error) {
	switch fourcc {
	case "VP80":
		return pion.MimeTypeVP8, nil
	case "VP90":
		return pion.MimeTypeVP9, nil
	case "AV01":
		return pion.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCodec, fourcc)
	}
}

// OpenFileCapture opens path and starts pumping frames. When loop is false
// the capture ends, and Done closes, at the end of the file.
func OpenFileCapture(path string, loop bool) (*FileCapture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read IVF header: %w", err)
	}

	mime, err := mimeForFourCC(header.FourCC)
	if err != nil {
		f.Close()
		return nil, err
	}

	track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: mime}, "screen", "liveroom")
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create track: %w", err)
	}

	frame := 33 * time.Millisecond
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		frame = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	c := &FileCapture{
		path:  path,
		loop:  loop,
		track: track,
		frame: frame,
		log:   slog.Default().With("component", "capture", "file", path),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
	go c.pump(f, reader)
	return c, nil
}

func (c *FileCapture) Tracks() []pion.TrackLocal { return []pion.TrackLocal{c.track} }

func (c *FileCapture) Done() <-chan struct{} { return c.done }

// Stop ends the capture. Safe to call more than once.
func (c *FileCapture) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *FileCapture) pump(f *os.File, reader *ivfreader.IVFReader) {
	defer close(c.done)
	defer f.Close()

	ticker := time.NewTicker(c.frame)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if !c.loop {
				c.log.Info("capture file ended")
				return
			}
			if reader, err = c.rewind(f); err != nil {
				c.log.Error("failed to rewind capture file", "error", err)
				return
			}
			continue
		}
		if err != nil {
			c.log.Error("failed to read frame", "error", err)
			return
		}

		if err := c.track.WriteSample(media.Sample{Data: frame, Duration: c.frame}); err != nil {
			c.log.Debug("failed to write sample", "error", err)
		}
	}
}

func (c *FileCapture) rewind(f *os.File) (*ivfreader.IVFReader, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := ivfreader.NewWith(f)
	return reader, err
}
