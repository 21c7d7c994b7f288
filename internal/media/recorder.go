package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

var ErrUnsupportedCodec = errors.New("codec not recordable")

type containerWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// recording serialises writes against Close; the fan-out keeps writing from
// its own goroutine until it notices the error.
type recording struct {
	mu     sync.Mutex
	w      containerWriter
	closed bool
}

func (r *recording) WriteRTP(pkt *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}
	return r.w.WriteRTP(pkt)
}

func (r *recording) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.w.Close()
}

// Recorder writes every attached remote track of one call into its own
// directory. The directory path is the call's artifact reference.
type Recorder struct {
	dir string

	mu         sync.Mutex
	recordings []*recording
	closed     bool
}

func NewRecorder(baseDir, roomID string) (*Recorder, error) {
	dir := filepath.Join(baseDir, roomID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording dir: %w", err)
	}
	return &Recorder{dir: dir}, nil
}

func (r *Recorder) ArtifactRef() string { return r.dir }

// Attach opens a container for track and returns the sink to feed it.
// Opus goes to Ogg, VP8 to IVF.
func (r *Recorder) Attach(track core.RemoteTrack) (RTPSink, error) {
	codec := track.Codec()
	base := filepath.Join(r.dir, fmt.Sprintf("%s-%s", track.Kind(), sanitize(track.ID())))

	var (
		w   containerWriter
		err error
	)
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		w, err = oggwriter.New(base+".ogg", codec.ClockRate, channels)
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		w, err = ivfwriter.New(base + ".ivf")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
	}
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = w.Close()
		return nil, os.ErrClosed
	}
	rec := &recording{w: w}
	r.recordings = append(r.recordings, rec)
	log.Info().Str("module", "media.recorder").Str("path", base).Str("codec", codec.MimeType).Msg("recording track")
	return rec, nil
}

// Close finalises every container. Idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	recordings := r.recordings
	r.recordings = nil
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, rec := range recordings {
		errs = append(errs, rec.Close())
	}
	return errors.Join(errs...)
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, id)
}
