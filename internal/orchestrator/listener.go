package orchestrator

import (
	"context"
	"strings"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/chat"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/trace"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/vad"
)

// Transcriber turns a speech segment into text.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)
}

// Listener feeds finished speech segments into the orchestrator queue in
// arrival order.
type Listener struct {
	bus         *events.Bus
	transcriber Transcriber
	orch        *Orchestrator
}

// NewListener wires the gate's speech-ended events to orch.
func NewListener(bus *events.Bus, transcriber Transcriber, orch *Orchestrator) *Listener {
	return &Listener{bus: bus, transcriber: transcriber, orch: orch}
}

// Run consumes segments until ctx is done.
func (l *Listener) Run(ctx context.Context) {
	segments, cancel := l.bus.Channel(SegmentEventBuffer, events.SpeechEnded)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-segments:
			if !ok {
				return
			}
			seg, ok := ev.Data.(vad.Segment)
			if !ok {
				continue
			}
			l.handle(ctx, seg)
		}
	}
}

func (l *Listener) handle(ctx context.Context, seg vad.Segment) {
	if seg.Duration() < MinSegmentDuration || len(seg.Samples) == 0 {
		return
	}
	ctx, span := trace.StartSpan(ctx, "orchestrator.transcribe")
	defer span.End()
	log := trace.Logger(ctx)

	tctx, cancel := context.WithTimeout(ctx, TranscribeTimeout)
	text, err := l.transcriber.Transcribe(tctx, seg.Samples, seg.SampleRate)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if _, ok := apperrors.From(err); !ok {
			err = apperrors.Wrap(err, apperrors.KindTurn, "transcription failed")
		}
		trace.Fail(span, err)
		log.Warn("transcription failed", "error", err)
		l.bus.Error(err)
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		log.Debug("empty transcript dropped", "duration", seg.Duration())
		return
	}
	log.Info("transcribed", "text", text, "duration", seg.Duration())
	l.bus.Emit(events.Transcript, events.TextData{Text: text, Role: chat.RoleUser})
	if _, err := l.orch.Enqueue(text); err != nil {
		log.Warn("enqueue failed", "error", err)
	}
}
