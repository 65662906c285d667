package audio

import (
	"context"
	"sync"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

// Player renders a complete utterance, blocking until it has drained.
type Player interface {
	Play(ctx context.Context, samples []float32, sampleRate int) error
}

// Sink is an open output stream fed incrementally.
type Sink interface {
	Write(samples []float32) error
	Close() error
}

// SinkOpener opens an output stream at a sample rate.
type SinkOpener interface {
	OpenSink(sampleRate int) (Sink, error)
}

// SpeakerPlayer plays through the default output device.
type SpeakerPlayer struct {
	FramesPerBuffer int
	mu              sync.Mutex // one utterance on the device at a time
}

// NewSpeakerPlayer initializes the host audio runtime for output.
func NewSpeakerPlayer(framesPerBuffer int) (*SpeakerPlayer, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindAudio, "audio runtime unavailable")
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = 480
	}
	return &SpeakerPlayer{FramesPerBuffer: framesPerBuffer}, nil
}

// Play writes samples to the device in buffer-sized chunks, stopping early
// when ctx is cancelled.
func (p *SpeakerPlayer) Play(ctx context.Context, samples []float32, sampleRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sink, err := p.OpenSink(sampleRate)
	if err != nil {
		return err
	}
	defer sink.Close()

	for off := 0; off < len(samples); off += p.FramesPerBuffer {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+p.FramesPerBuffer, len(samples))
		if err := sink.Write(samples[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// OpenSink opens a mono output stream.
func (p *SpeakerPlayer) OpenSink(sampleRate int) (Sink, error) {
	buf := make([]float32, p.FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(buf), buf)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindAudio, "open output stream")
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, apperrors.Wrap(err, apperrors.KindAudio, "start output stream")
	}
	return &streamSink{stream: stream, buf: buf}, nil
}

// Close terminates the runtime reference taken by NewSpeakerPlayer.
func (p *SpeakerPlayer) Close() error {
	return portaudio.Terminate()
}

type streamSink struct {
	stream *portaudio.Stream
	buf    []float32
}

func (s *streamSink) Write(samples []float32) error {
	for len(samples) > 0 {
		n := copy(s.buf, samples)
		clear(s.buf[n:])
		samples = samples[n:]
		if err := s.stream.Write(); err != nil {
			if err == portaudio.OutputUnderflowed {
				continue
			}
			return apperrors.Wrap(err, apperrors.KindAudio, "write output stream")
		}
	}
	return nil
}

func (s *streamSink) Close() error {
	_ = s.stream.Stop()
	return s.stream.Close()
}
