// Package worker runs the fixed pool of frame consumers. Every worker owns one
// vision engine and shares the queue, matcher, announcement cache and
// announcer with the others.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/firm/internal/queue"
	"github.com/andresmejia3/firm/internal/types"
	"github.com/andresmejia3/firm/internal/vision"
)

// recordTimeout bounds a single journal write.
const recordTimeout = 5 * time.Second

type Matcher interface {
	Match(enc types.Encoding, tolerance float64) []string
}

// Claimer is the announcement cache: ClaimAt inserts identity as seen at the
// given capture time and reports true only if it had no live entry then.
type Claimer interface {
	ClaimAt(identity string, at time.Time) bool
}

type Announcer interface {
	Announce(text string) bool
}

type Persister interface {
	Save(face types.DetectedFace) (string, error)
}

type Recorder interface {
	RecordSighting(ctx context.Context, s types.Sighting) error
}

type Options struct {
	Workers   int
	Tolerance float64
	Greeting  string    // fmt pattern with one %s for the identity
	Persister Persister // optional
	Recorder  Recorder  // optional
}

type Stats struct {
	Workers   int    `json:"workers"`
	Alive     int    `json:"alive"`
	InFlight  int    `json:"in_flight"`
	Frames    uint64 `json:"frames"`
	Faces     uint64 `json:"faces"`
	Announced uint64 `json:"announced"`
	Failed    uint64 `json:"failed"`
}

type Pool struct {
	opts      Options
	q         *queue.Queue
	factory   vision.Factory
	matcher   Matcher
	cache     Claimer
	announcer Announcer
	log       logrus.FieldLogger

	// ctx stops the loops; engineCtx outlives it so in-flight batches can
	// finish, and is cancelled at the shutdown deadline to kill the engines.
	ctx        context.Context
	cancel     context.CancelFunc
	engineCtx  context.Context
	killEngine context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	lostOnce sync.Once
	lost     chan struct{}

	abandoned int

	alive, inFlight, engineLost atomic.Int32

	frames, faces, announced, failed atomic.Uint64
}

func New(q *queue.Queue, factory vision.Factory, matcher Matcher, cache Claimer, announcer Announcer, opts Options, log logrus.FieldLogger) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Greeting == "" {
		opts.Greeting = "Welcome, %s"
	}
	ctx, cancel := context.WithCancel(context.Background())
	engineCtx, kill := context.WithCancel(context.Background())
	return &Pool{
		opts:       opts,
		q:          q,
		factory:    factory,
		matcher:    matcher,
		cache:      cache,
		announcer:  announcer,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		engineCtx:  engineCtx,
		killEngine: kill,
		lost:       make(chan struct{}),
	}
}

// Start spawns one engine per worker and then the workers. If any engine
// fails to start, the ones already running are closed and nothing is started.
func (p *Pool) Start() error {
	engines := make([]vision.Engine, 0, p.opts.Workers)
	for id := 1; id <= p.opts.Workers; id++ {
		eng, err := p.factory(p.engineCtx, id)
		if err != nil {
			for _, e := range engines {
				e.Close()
			}
			return fmt.Errorf("worker %d: %w", id, err)
		}
		engines = append(engines, eng)
	}

	for i, eng := range engines {
		p.wg.Add(1)
		p.alive.Add(1)
		go p.run(i+1, eng)
	}
	p.log.Infof("Started %d worker(s)", len(engines))
	return nil
}

// Lost is closed once every worker has exited because its engine died.
func (p *Pool) Lost() <-chan struct{} {
	return p.lost
}

func (p *Pool) run(id int, eng vision.Engine) {
	log := p.log.WithField("worker", id)
	defer p.wg.Done()
	defer p.alive.Add(-1)
	defer func() {
		if err := eng.Close(); err != nil {
			log.WithError(err).Debug("Vision engine exited")
		}
	}()

	for {
		if p.ctx.Err() != nil {
			return
		}
		batch, err := p.q.Pop(p.ctx)
		if err != nil {
			return
		}

		p.inFlight.Add(1)
		err = p.process(log, eng, batch)
		p.inFlight.Add(-1)
		p.q.Done()

		if errors.Is(err, vision.ErrEngineLost) {
			log.WithError(err).Error("Vision engine lost, worker exiting")
			if int(p.engineLost.Add(1)) == p.opts.Workers {
				p.lostOnce.Do(func() { close(p.lost) })
			}
			return
		}
	}
}

// process handles one batch. Errors and panics stay here; the only error
// returned is a lost engine, which ends the worker.
func (p *Pool) process(log logrus.FieldLogger, eng vision.Engine, batch types.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			log.WithField("panic", r).Errorf("Recovered from panic while processing batch\n%s", debug.Stack())
			err = nil
		}
	}()

	for _, frame := range batch {
		ferr := p.processFrame(log.WithField("frame", frame.Seq), eng, frame)
		p.frames.Add(1)
		if ferr != nil {
			p.failed.Add(1)
			if errors.Is(ferr, vision.ErrEngineLost) {
				return ferr
			}
		}
	}
	return nil
}

func (p *Pool) processFrame(log logrus.FieldLogger, eng vision.Engine, frame types.Frame) error {
	faces, err := eng.Detect(p.engineCtx, frame)
	if err != nil {
		log.WithError(err).WithField("stage", "detect").Warn("Frame failed")
		return err
	}
	p.faces.Add(uint64(len(faces)))

	var firstErr error
	for _, face := range faces {
		if err := p.processFace(log, eng, frame, face); err != nil {
			if errors.Is(err, vision.ErrEngineLost) {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Pool) processFace(log logrus.FieldLogger, eng vision.Engine, frame types.Frame, face types.DetectedFace) error {
	var image string
	if p.opts.Persister != nil {
		name, err := p.opts.Persister.Save(face)
		if err != nil {
			// best effort
			log.WithError(err).WithField("stage", "persist").Warn("Face not saved")
		}
		image = name
	}

	enc, err := eng.Encode(p.engineCtx, face)
	if errors.Is(err, vision.ErrNoEncoding) {
		log.WithField("stage", "encode").Debug("No encodable face in crop")
		return nil
	}
	if err != nil {
		log.WithError(err).WithField("stage", "encode").Warn("Frame failed")
		return err
	}

	matched := p.matcher.Match(enc, p.opts.Tolerance)
	if len(matched) == 0 {
		return nil
	}
	name := matched[0]
	if !p.cache.ClaimAt(name, frame.CapturedAt) {
		return nil
	}

	p.announced.Add(1)
	log.WithField("identity", name).Info("Recognized")
	p.announcer.Announce(fmt.Sprintf(p.opts.Greeting, name))

	if p.opts.Recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		err := p.opts.Recorder.RecordSighting(ctx, types.Sighting{
			Identity:  name,
			FrameSeq:  frame.Seq,
			SeenAt:    frame.CapturedAt,
			Encoding:  enc,
			ImageName: image,
		})
		if err != nil {
			log.WithError(err).WithField("stage", "record").Warn("Sighting not recorded")
		}
	}
	return nil
}

// Stop signals every worker and waits up to timeout for them to exit. It
// returns how many batches were still being processed at the deadline. Batches
// still queued are left unprocessed. Only the first call does the work.
func (p *Pool) Stop(timeout time.Duration) int {
	p.stopOnce.Do(func() {
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			p.abandoned = int(p.inFlight.Load())
			p.log.WithField("abandoned", p.abandoned).Warn("Workers did not finish before the shutdown deadline")
		}
		p.killEngine()

		if n := p.q.Len(); n > 0 {
			p.log.WithField("batches", n).Info("Discarding queued batches")
		}
	})
	return p.abandoned
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.opts.Workers,
		Alive:     int(p.alive.Load()),
		InFlight:  int(p.inFlight.Load()),
		Frames:    p.frames.Load(),
		Faces:     p.faces.Load(),
		Announced: p.announced.Load(),
		Failed:    p.failed.Load(),
	}
}
