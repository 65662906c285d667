package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/chat"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/events"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/resilience"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/trace"
)

// Speaker renders a reply; it returns once speaking has completed.
type Speaker interface {
	Speak(ctx context.Context, text, emotion string) error
}

// Gate is the part of the voice gate the orchestrator drives.
type Gate interface {
	Suspend()
	Resume()
}

// TurnQueueItem is one finalized utterance waiting for its turn.
type TurnQueueItem struct {
	ID   string    `json:"id"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Config tunes an Orchestrator.
type Config struct {
	ThreadID        string
	SystemPrompt    string
	HistoryMaxTurns int
	BackendTimeout  time.Duration
	Breaker         *resilience.Breaker
}

// Orchestrator drains a FIFO of utterances with a single worker, so no two
// backend calls or speak calls ever overlap.
type Orchestrator struct {
	bus     *events.Bus
	backend chat.Backend
	speaker Speaker
	gate    Gate
	history *History
	cfg     Config

	mu       sync.Mutex
	queue    []TurnQueueItem
	inFlight *TurnQueueItem
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an orchestrator. gate may be nil when nothing listens.
func New(bus *events.Bus, backend chat.Backend, speaker Speaker, gate Gate, cfg Config) *Orchestrator {
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = BackendTimeout
	}
	if cfg.ThreadID == "" {
		cfg.ThreadID = uuid.NewString()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.New(resilience.DefaultConfig("chat-backend"))
	}
	return &Orchestrator{
		bus:     bus,
		backend: backend,
		speaker: speaker,
		gate:    gate,
		history: NewHistory(cfg.HistoryMaxTurns),
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
	}
}

// History returns the conversation so far.
func (o *Orchestrator) History() *History { return o.history }

// Start launches the worker.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done != nil {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	go o.worker(ctx, o.done)
}

// Stop cancels the in-flight turn and waits for the worker to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Enqueue appends an utterance to the queue.
func (o *Orchestrator) Enqueue(text string) (TurnQueueItem, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnQueueItem{}, apperrors.New(apperrors.KindConfig, "empty utterance")
	}
	item := TurnQueueItem{ID: uuid.NewString(), Text: text, Time: time.Now()}
	o.mu.Lock()
	o.queue = append(o.queue, item)
	depth := len(o.queue)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	trace.Logger(context.Background()).Debug("utterance queued", "turn", item.ID, "depth", depth)
	return item, nil
}

// Pending returns the number of queued, not yet started turns.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// InFlight returns the turn being processed, if any.
func (o *Orchestrator) InFlight() (TurnQueueItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight == nil {
		return TurnQueueItem{}, false
	}
	return *o.inFlight, true
}

func (o *Orchestrator) worker(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		item, ok := o.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		o.process(ctx, item)
		o.mu.Lock()
		o.inFlight = nil
		o.mu.Unlock()
	}
}

func (o *Orchestrator) next() (TurnQueueItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return TurnQueueItem{}, false
	}
	item := o.queue[0]
	o.queue = o.queue[1:]
	o.inFlight = &item
	return item, true
}

// process runs one turn. The gate is suspended for the whole turn and
// resumed however it ends.
func (o *Orchestrator) process(ctx context.Context, item TurnQueueItem) {
	ctx, span := trace.StartSpan(ctx, "orchestrator.turn",
		attribute.String("turn.id", item.ID), attribute.Int("turn.chars", len(item.Text)))
	defer span.End()
	log := trace.Logger(ctx).With("turn", item.ID)

	o.bus.Emit(events.TurnStarted, events.TurnData{TurnID: item.ID, Text: item.Text})
	o.history.Append(chat.RoleUser, item.Text)
	if o.gate != nil {
		o.gate.Suspend()
		defer o.gate.Resume()
	}

	reply, err := o.ask(ctx, item)
	if err != nil {
		outcome := OutcomeFailed
		if ctx.Err() != nil {
			outcome = OutcomeCancelled
			log.Info("turn cancelled")
		} else {
			log.Warn("turn failed", "error", err)
			o.bus.Error(err)
		}
		trace.Fail(span, err)
		o.bus.Emit(events.TurnCompleted, events.TurnData{TurnID: item.ID, Outcome: outcome})
		return
	}

	emotion, text := splitEmotion(reply)
	o.history.Append(chat.RoleAssistant, text)
	o.bus.Emit(events.ResponseComplete, events.TextData{Text: text, TurnID: item.ID, Role: chat.RoleAssistant})

	outcome := OutcomeSpoken
	if err := o.speaker.Speak(ctx, text, emotion); err != nil {
		// the session has already published the failure
		outcome = OutcomeSpeakFailed
		log.Warn("reply not spoken", "error", err)
	}
	log.Info("turn completed", "outcome", outcome, "reply_chars", len(text))
	o.bus.Emit(events.TurnCompleted, events.TurnData{TurnID: item.ID, Text: text, Outcome: outcome})
}

func (o *Orchestrator) ask(ctx context.Context, item TurnQueueItem) (string, error) {
	messages := o.history.Messages()
	if o.cfg.SystemPrompt != "" {
		messages = append([]chat.Message{{Role: chat.RoleSystem, Content: o.cfg.SystemPrompt}}, messages...)
	}
	req := chat.Request{ThreadID: o.cfg.ThreadID, Messages: messages}

	bctx, cancel := context.WithTimeout(ctx, o.cfg.BackendTimeout)
	defer cancel()
	reply, err := resilience.ExecuteWithResult(bctx, o.cfg.Breaker, func(ctx context.Context) (string, error) {
		return o.backend.Stream(ctx, req, func(delta string) {
			o.bus.Emit(events.ReplyDelta, events.TextData{Text: delta, TurnID: item.ID, Role: chat.RoleAssistant})
		})
	})
	if err != nil {
		if bctx.Err() != nil && ctx.Err() == nil {
			return "", apperrors.Wrapf(bctx.Err(), apperrors.KindTurn, "backend timed out after %s", o.cfg.BackendTimeout)
		}
		if apperrors.KindOf(err) == apperrors.KindInternal {
			err = apperrors.Wrap(err, apperrors.KindTurn, "backend call failed")
		}
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", apperrors.New(apperrors.KindTurn, "backend returned an empty reply")
	}
	return reply, nil
}

// splitEmotion strips a leading [emotion] tag from a reply.
func splitEmotion(reply string) (emotion, text string) {
	text = strings.TrimSpace(reply)
	if !strings.HasPrefix(text, "[") {
		return "", text
	}
	end := strings.IndexByte(text, ']')
	if end <= 1 || end > 32 {
		return "", text
	}
	tag := text[1:end]
	for _, r := range tag {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '-' || r == '_') {
			return "", text
		}
	}
	return strings.ToLower(tag), strings.TrimSpace(text[end+1:])
}
