// Package capture owns the camera and turns its stream into frame batches
// on the frame queue.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/andresmejia3/firm/internal/queue"
	"github.com/andresmejia3/firm/internal/types"
)

var (
	// ErrExitRequested is returned by Run when the preview reported the exit key.
	ErrExitRequested = errors.New("exit key pressed")
	// ErrStreamEnded is returned by Run when the camera stream ended on its own.
	ErrStreamEnded = errors.New("camera stream ended")
)

// failureReport is how many consecutive failed reads are logged as one warning.
const failureReport = 100

type Stats struct {
	Frames      uint64 `json:"frames"`
	FailedReads uint64 `json:"failed_reads"`
	Dropped     uint64 `json:"dropped_frames"`
}

// Source is the single producer of the pipeline and the only reader of the
// camera. It never releases the camera; that is left to shutdown.
type Source struct {
	cam     Camera
	q       *queue.Queue
	preview Preview
	limiter *rate.Limiter
	log     logrus.FieldLogger
	now     func() time.Time

	seq                     uint64
	frames, failed, dropped atomic.Uint64
}

// NewSource paces reads to one frame per interval.
func NewSource(cam Camera, q *queue.Queue, preview Preview, interval time.Duration, log logrus.FieldLogger) *Source {
	if preview == nil {
		preview = NopPreview{}
	}
	return &Source{
		cam:     cam,
		q:       q,
		preview: preview,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		log:     log,
		now:     time.Now,
	}
}

// Run captures until ctx is cancelled (returns nil), the exit key is pressed
// (ErrExitRequested) or the camera stream ends (wraps ErrStreamEnded).
func (s *Source) Run(ctx context.Context) error {
	exit := s.preview.ExitRequested()
	consecutive := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-exit:
			return ErrExitRequested
		default:
		}

		data, err := s.cam.Read()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrReleased) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return ErrStreamEnded
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: %v", ErrStreamEnded, err)
			}
			s.failed.Add(1)
			consecutive++
			if consecutive%failureReport == 0 {
				s.log.WithError(err).Warnf("%d consecutive frame reads failed", consecutive)
			}
			continue
		}
		if len(data) == 0 {
			s.failed.Add(1)
			continue
		}
		consecutive = 0

		s.seq++
		frame := types.Frame{Seq: s.seq, CapturedAt: s.now(), Data: data}
		ok, err := s.q.Push(ctx, types.Batch{frame})
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to enqueue frame %d: %w", frame.Seq, err)
		}
		s.frames.Add(1)
		if !ok {
			s.dropped.Add(1)
			s.log.WithField("frame", frame.Seq).Debug("Frame queue full, dropped a frame")
		}

		s.preview.Show(frame)

		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
	}
}

func (s *Source) Stats() Stats {
	return Stats{
		Frames:      s.frames.Load(),
		FailedReads: s.failed.Load(),
		Dropped:     s.dropped.Load(),
	}
}
