// Package announcer speaks greetings. A single long-lived Service owns the
// speech backend and plays announcements one at a time, in the order they
// were submitted; workers never touch the audio device themselves.
package announcer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/firm/internal/utils"
)

// Speaker renders text as speech and returns once playback is finished.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// CommandSpeaker runs an external TTS program with the text as its last
// argument, e.g. ["espeak", "-v", "en+f3"] or ["say"].
type CommandSpeaker struct {
	Command []string
}

func (c CommandSpeaker) Speak(ctx context.Context, text string) error {
	if len(c.Command) == 0 {
		return errors.New("no speech command configured")
	}
	args := append(append([]string{}, c.Command[1:]...), text)
	cmd := utils.NewSafeCommand(ctx, c.Command[0], args...)
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(cmd.Stderr.String()); msg != "" {
			return fmt.Errorf("speech command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("speech command failed: %w", err)
	}
	return nil
}

type Stats struct {
	Spoken  uint64 `json:"spoken"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

type Service struct {
	speaker Speaker
	log     logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	texts  chan string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	spoken, failed, dropped atomic.Uint64
}

// New starts the playback goroutine. buffer bounds how many announcements
// may wait behind the one playing; beyond that Announce drops.
func New(speaker Speaker, buffer int, log logrus.FieldLogger) *Service {
	if buffer < 1 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		speaker: speaker,
		log:     log,
		texts:   make(chan string, buffer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Service) run() {
	defer close(s.done)
	for text := range s.texts {
		if err := s.speaker.Speak(s.ctx, text); err != nil {
			s.failed.Add(1)
			s.log.WithError(err).WithField("text", text).Warn("Announcement failed")
			continue
		}
		s.spoken.Add(1)
		s.log.WithField("text", text).Debug("Announced")
	}
}

// Announce queues text and returns immediately. It reports false when the
// announcement was dropped because the backlog is full or the service closed.
func (s *Service) Announce(text string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.texts <- text:
		return true
	default:
		s.dropped.Add(1)
		s.log.WithField("text", text).Warn("Announcement backlog full, dropping")
		return false
	}
}

// Close stops accepting announcements and waits for the backlog to play out.
// If ctx ends first the announcement in progress is cancelled and the rest
// are discarded.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.texts)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return ctx.Err()
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Spoken:  s.spoken.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
		Pending: len(s.texts),
	}
}
