package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"careline/internal/audit"
	"careline/internal/bridge"
	"careline/internal/callsession"
	"careline/pkg/queue"
)

// DefaultDownloadTimeout bounds a single recording download.
const DefaultDownloadTimeout = 30 * time.Second

// Processor runs the post-call pipeline for one session: fetch the
// recording from the bridge, transcribe it, summarize the transcript, and
// persist both. Every step is idempotent: transcript and summary are
// write-once in the store, so a duplicate trigger or a retried job settles
// on whatever the first winner wrote.
type Processor struct {
	repo            callsession.Repository
	bridge          bridge.Bridge
	transcriber     Transcriber
	summarizer      Summarizer
	audit           *audit.Service
	log             *slog.Logger
	clock           func() time.Time
	downloadTimeout time.Duration
}

func NewProcessor(repo callsession.Repository, b bridge.Bridge, t Transcriber, s Summarizer, auditSvc *audit.Service, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		repo:            repo,
		bridge:          b,
		transcriber:     t,
		summarizer:      s,
		audit:           auditSvc,
		log:             log,
		clock:           time.Now,
		downloadTimeout: DefaultDownloadTimeout,
	}
}

// Process runs the pipeline once. A nil return means the session has (or
// now has) its final transcript/summary state; a non-nil return means a
// stage failed transiently and the attempt can be retried. Callers that
// exhaust their retries should fall back to Degrade so the session still
// ends up with a summary.
func (p *Processor) Process(ctx context.Context, sessionID string, loc bridge.RecordingLocator) error {
	s, err := p.repo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.SummaryText != nil {
		return nil
	}

	// Fill locator gaps from the session record. A media URL posted by the
	// recording webhook lands in RecordingRef and is the cheapest path.
	if loc.MediaURL == "" && strings.HasPrefix(s.RecordingRef, "http") {
		loc.MediaURL = s.RecordingRef
	}
	if loc.BridgeSessionRef == "" {
		loc.BridgeSessionRef = s.BridgeSessionRef
	}
	if loc.LegRef == "" && len(s.LegRefs) > 0 {
		loc.LegRef = s.LegRefs[0]
	}

	transcript := s.TranscriptText
	if transcript == nil {
		text, err := p.produceTranscript(ctx, s, loc)
		if err != nil {
			if errors.Is(err, bridge.ErrNoRecording) || errors.Is(err, bridge.ErrNotConfigured) {
				// Nothing to transcribe and never will be.
				p.Degrade(ctx, sessionID, "no recording available")
				return nil
			}
			return err
		}
		won, err := p.repo.SetTranscript(ctx, s.ID, text)
		if err != nil {
			return err
		}
		if !won {
			// A concurrent run beat us; use the stored text.
			s, err = p.repo.GetByID(ctx, s.ID)
			if err != nil {
				return err
			}
			transcript = s.TranscriptText
		} else {
			transcript = &text
		}
	}
	if transcript == nil {
		return fmt.Errorf("pipeline: transcript missing for session %s", sessionID)
	}

	participants := s.Participants()
	sum, err := p.summarizer.Summarize(ctx, SummarizeRequest{
		Transcript:   *transcript,
		Participants: participants[:],
	})
	if err != nil {
		return fmt.Errorf("summarize session %s: %w", sessionID, err)
	}
	won, err := p.repo.SetSummary(ctx, s.ID, sum.Composed(), p.clock().UTC())
	if err != nil {
		return err
	}
	if won {
		p.log.Info("pipeline completed", "session_id", s.ID)
		p.audit.PipelineOutcome(ctx, s.ID, false, "transcript and summary stored")
	}
	return nil
}

func (p *Processor) produceTranscript(ctx context.Context, s callsession.Session, loc bridge.RecordingLocator) (string, error) {
	handle, err := p.bridge.FetchRecording(ctx, loc)
	if err != nil {
		return "", err
	}
	if handle.RecordingRef != "" {
		if err := p.repo.SetRecordingRef(ctx, s.ID, handle.RecordingRef); err != nil {
			p.log.Warn("set recording ref failed", "session_id", s.ID, "err", err)
		}
	}

	dctx, cancel := context.WithTimeout(ctx, p.downloadTimeout)
	audio, err := p.bridge.DownloadRecording(dctx, handle)
	cancel()
	if err != nil {
		return "", fmt.Errorf("download recording: %w", err)
	}

	text, err := p.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return text, nil
}

// Degrade writes a fallback summary for a session whose pipeline cannot
// complete. The transcript stays unset; the summary records the call
// duration and the failure so the caller still sees an outcome. Write-once
// like the real summary, so it never clobbers a successful run.
func (p *Processor) Degrade(ctx context.Context, sessionID, cause string) {
	s, err := p.repo.GetByID(ctx, sessionID)
	if err != nil {
		p.log.Warn("degrade lookup failed", "session_id", sessionID, "err", err)
		return
	}
	if s.SummaryText != nil {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Automated summary unavailable: %s.", cause)
	fmt.Fprintf(&b, " Call duration: %d seconds.", s.DurationSeconds)
	if s.TranscriptText != nil {
		b.WriteString(" A transcript was captured and is available.")
	}

	won, err := p.repo.SetSummary(ctx, s.ID, b.String(), p.clock().UTC())
	if err != nil {
		p.log.Error("degraded summary write failed", "session_id", s.ID, "err", err)
		return
	}
	if won {
		p.log.Warn("pipeline degraded", "session_id", s.ID, "cause", cause)
		p.audit.PipelineOutcome(ctx, s.ID, true, cause)
	}
}

// GoTrigger runs the pipeline on a goroutine per trigger, with a few
// in-process retries before degrading. Used when no job queue is wired
// (tests, single-process deployments).
type GoTrigger struct {
	proc     *Processor
	log      *slog.Logger
	attempts int
	backoff  time.Duration
	wg       sync.WaitGroup
}

func NewGoTrigger(proc *Processor, log *slog.Logger) *GoTrigger {
	if log == nil {
		log = slog.Default()
	}
	return &GoTrigger{proc: proc, log: log, attempts: 3, backoff: 5 * time.Second}
}

func (t *GoTrigger) TriggerRecording(sessionID string, loc bridge.RecordingLocator) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx := context.Background()
		var err error
		for i := 0; i < t.attempts; i++ {
			if err = t.proc.Process(ctx, sessionID, loc); err == nil {
				return
			}
			t.log.Warn("pipeline attempt failed", "session_id", sessionID, "attempt", i+1, "err", err)
			time.Sleep(t.backoff)
		}
		t.proc.Degrade(ctx, sessionID, "recording processing failed: "+err.Error())
	}()
}

// Wait blocks until all triggered runs finish. Shutdown hook.
func (t *GoTrigger) Wait() { t.wg.Wait() }

// QueueTrigger hands pipeline work to the redis job queue for the worker
// process to pick up.
type QueueTrigger struct {
	q   *queue.Queue
	log *slog.Logger
}

func NewQueueTrigger(q *queue.Queue, log *slog.Logger) *QueueTrigger {
	if log == nil {
		log = slog.Default()
	}
	return &QueueTrigger{q: q, log: log}
}

func (t *QueueTrigger) TriggerRecording(sessionID string, loc bridge.RecordingLocator) {
	err := t.q.EnqueueRecording(context.Background(), queue.RecordingPayload{
		SessionID:        sessionID,
		MediaURL:         loc.MediaURL,
		BridgeSessionRef: loc.BridgeSessionRef,
		LegRef:           loc.LegRef,
	})
	if err != nil {
		t.log.Error("enqueue recording job failed", "session_id", sessionID, "err", err)
	}
}

// Worker consumes recording jobs from the queue and runs the processor,
// retrying through the queue and degrading once retries are exhausted.
type Worker struct {
	q    *queue.Queue
	proc *Processor
	log  *slog.Logger
}

func NewWorker(q *queue.Queue, proc *Processor, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{q: q, proc: proc, log: log}
}

func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.log.Info("recording worker stopping")
			return
		default:
		}

		job, err := w.q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("recording worker stopping")
				return
			}
			w.log.Warn("dequeue error", "err", err)
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}
		w.handle(ctx, job)
	}
}

func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	if job.Type != queue.JobTypeRecording {
		w.log.Warn("unknown job type", "job_id", job.ID, "type", job.Type)
		return
	}
	var payload queue.RecordingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.log.Warn("invalid recording payload", "job_id", job.ID, "err", err)
		return
	}

	loc := bridge.RecordingLocator{
		MediaURL:         payload.MediaURL,
		BridgeSessionRef: payload.BridgeSessionRef,
		LegRef:           payload.LegRef,
	}
	if err := w.proc.Process(ctx, payload.SessionID, loc); err != nil {
		w.log.Error("recording job failed", "job_id", job.ID, "session_id", payload.SessionID, "err", err)
		if job.Attempt+1 >= queue.MaxRetries {
			w.proc.Degrade(ctx, payload.SessionID, "recording processing failed after retries")
		}
		if reErr := w.q.Retry(ctx, job); reErr != nil {
			w.log.Error("retry enqueue failed", "job_id", job.ID, "err", reErr)
		}
	}
}
