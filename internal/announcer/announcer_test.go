package announcer

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/firm/internal/logging"
)

type recordingSpeaker struct {
	mu      sync.Mutex
	texts   []string
	active  int
	overlap bool
	delay   time.Duration
	fail    string
}

func (r *recordingSpeaker) Speak(ctx context.Context, text string) error {
	r.mu.Lock()
	r.active++
	if r.active > 1 {
		r.overlap = true
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if text == r.fail {
		return errors.New("audio device busy")
	}
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSpeaker) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestService_SerializesInOrder(t *testing.T) {
	sp := &recordingSpeaker{delay: 5 * time.Millisecond}
	s := New(sp, 10, logging.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Announce("Welcome, alice")
		}()
	}
	wg.Wait()
	s.Announce("Welcome, bob")

	require.NoError(t, s.Close(context.Background()))

	texts := sp.Texts()
	assert.Len(t, texts, 6)
	assert.Equal(t, "Welcome, bob", texts[5])
	assert.False(t, sp.overlap, "announcements must never overlap")
	assert.Equal(t, uint64(6), s.Stats().Spoken)
}

func TestService_DropsWhenBacklogFull(t *testing.T) {
	sp := &recordingSpeaker{delay: 100 * time.Millisecond}
	s := New(sp, 1, logging.Discard())

	accepted := 0
	for i := 0; i < 5; i++ {
		if s.Announce("hi") {
			accepted++
		}
	}

	assert.Less(t, accepted, 5)
	assert.Equal(t, uint64(5-accepted), s.Stats().Dropped)
	require.NoError(t, s.Close(context.Background()))
}

func TestService_FailureDoesNotStopPlayback(t *testing.T) {
	sp := &recordingSpeaker{fail: "broken"}
	s := New(sp, 4, logging.Discard())

	s.Announce("broken")
	s.Announce("Welcome, alice")
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, []string{"Welcome, alice"}, sp.Texts())
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestService_AnnounceAfterClose(t *testing.T) {
	s := New(&recordingSpeaker{}, 1, logging.Discard())
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()), "close is idempotent")

	assert.False(t, s.Announce("late"))
}

func TestService_CloseTimeout(t *testing.T) {
	sp := &recordingSpeaker{delay: time.Hour}
	s := New(sp, 4, logging.Discard())
	s.Announce("long speech")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandSpeaker(t *testing.T) {
	out := t.TempDir() + "/spoken.txt"
	sp := CommandSpeaker{Command: []string{"sh", "-c", `printf "%s" "$0" > ` + out}}
	require.NoError(t, sp.Speak(context.Background(), "Welcome, alice"))
	spoken, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Welcome, alice", string(spoken))

	fail := CommandSpeaker{Command: []string{"sh", "-c", "echo no audio >&2; exit 1"}}
	err = fail.Speak(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no audio")

	assert.Error(t, CommandSpeaker{}.Speak(context.Background(), "x"))
}
