package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// SampleSource yields encoded media samples; io.EOF ends the stream.
type SampleSource interface {
	NextSample() (media.Sample, error)
}

type SampleWriter interface {
	WriteSample(media.Sample) error
}

// Pump copies samples from src to dst paced by each sample's duration.
// Returns nil at end of source or once dst is stopped.
func Pump(ctx context.Context, src SampleSource, dst SampleWriter) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		s, err := src.NextSample()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := dst.WriteSample(s); err != nil {
			if errors.Is(err, ErrTrackStopped) {
				return nil
			}
			return err
		}
		timer.Reset(s.Duration)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// OggSource reads Opus pages from an Ogg container.
type OggSource struct {
	file        io.Closer
	reader      *oggreader.OggReader
	lastGranule uint64
}

func OpenOgg(path string) (*OggSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ogg header: %w", err)
	}
	return &OggSource{file: f, reader: reader}, nil
}

func (s *OggSource) NextSample() (media.Sample, error) {
	data, header, err := s.reader.ParseNextPage()
	if err != nil {
		return media.Sample{}, err
	}
	samples := header.GranulePosition - s.lastGranule
	if header.GranulePosition < s.lastGranule {
		samples = 0
	}
	s.lastGranule = header.GranulePosition
	return media.Sample{
		Data:     data,
		Duration: time.Duration(samples) * time.Second / 48000,
	}, nil
}

func (s *OggSource) Close() error { return s.file.Close() }

// IVFSource reads VP8 frames from an IVF container at the file's frame rate.
type IVFSource struct {
	file     io.Closer
	reader   *ivfreader.IVFReader
	interval time.Duration
}

func OpenIVF(path string) (*IVFSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ivf header: %w", err)
	}
	interval := 33 * time.Millisecond
	if header.TimebaseDenominator != 0 {
		interval = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}
	return &IVFSource{file: f, reader: reader, interval: interval}, nil
}

func (s *IVFSource) NextSample() (media.Sample, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: frame, Duration: s.interval}, nil
}

func (s *IVFSource) Close() error { return s.file.Close() }
