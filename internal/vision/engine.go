// Package vision talks to the face detection/encoding engine, an external
// process that owns the models. Requests go over the child's stdin, responses
// come back over a dedicated pipe (FD 3) so engine logging on stdout/stderr
// can never corrupt the stream.
package vision

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/firm/internal/types"
	"github.com/andresmejia3/firm/internal/utils"
)

// Operation codes, the first byte of every request body.
const (
	opDetect byte = 'D'
	opEncode byte = 'E'
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxMessage guards against a corrupt length header allocating gigabytes.
const maxMessage = 64 * 1024 * 1024

var (
	// ErrNoEncoding is returned by Encode when the engine found no encodable face.
	ErrNoEncoding = errors.New("no encodable face")
	// ErrEngineLost wraps I/O failures on the engine pipes. The connection is
	// out of sync or the child is gone; the engine must not be used again.
	ErrEngineLost = errors.New("vision engine lost")
)

type Detector interface {
	Detect(ctx context.Context, frame types.Frame) ([]types.DetectedFace, error)
}

type Encoder interface {
	Encode(ctx context.Context, face types.DetectedFace) (types.Encoding, error)
}

// Engine is one connection to a vision engine. Implementations need not be
// safe for concurrent use; each worker owns its own.
type Engine interface {
	Detector
	Encoder
	Close() error
}

// Factory starts the engine for worker id.
type Factory func(ctx context.Context, id int) (Engine, error)

type Config struct {
	Command     []string
	ReadTimeout time.Duration
}

type PythonEngine struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	mu sync.Mutex
}

// NewFactory returns a Factory that spawns cfg.Command per worker.
func NewFactory(cfg Config) Factory {
	return func(ctx context.Context, id int) (Engine, error) {
		return NewPythonEngine(ctx, id, cfg)
	}
}

func NewPythonEngine(ctx context.Context, id int, cfg Config) (*PythonEngine, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("engine %d: empty command", id)
	}
	py := utils.NewSafeCommand(ctx, cfg.Command[0], cfg.Command[1:]...)
	py.Env = append(os.Environ(), "FIRM_ENGINE_ID="+strconv.Itoa(id))

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonEngine{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

const minFaceSize = 4*4 + 4

// Detect sends a frame and returns every face the engine found in it.
// Response body: [u32 n] then n x ([4]i32 box, [u32 imgLen][img]).
func (e *PythonEngine) Detect(ctx context.Context, frame types.Frame) ([]types.DetectedFace, error) {
	body, err := e.roundTrip(ctx, opDetect, frame.Data)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read face count: %w", err)
	}
	// Each face takes at least a box and a crop length.
	if n > uint32(r.Len()/minFaceSize) {
		return nil, fmt.Errorf("engine reported %d faces in a %d byte body", n, r.Len())
	}

	faces := make([]types.DetectedFace, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("failed to read box %d: %w", i, err)
		}
		crop, err := readBlob(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read crop %d: %w", i, err)
		}
		faces = append(faces, types.DetectedFace{
			Box:  types.Box{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
			Crop: crop,
		})
	}
	return faces, nil
}

// Encode computes the descriptor of a face crop (or of any image holding one face).
// Response body: [u32 dim][dim x f32]; dim 0 means no face was encodable.
func (e *PythonEngine) Encode(ctx context.Context, face types.DetectedFace) (types.Encoding, error) {
	body, err := e.roundTrip(ctx, opEncode, face.Crop)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(body)
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("failed to read encoding size: %w", err)
	}
	if dim == 0 {
		return nil, ErrNoEncoding
	}
	if int(dim)*4 > r.Len() {
		return nil, fmt.Errorf("encoding truncated: want %d values, have %d bytes", dim, r.Len())
	}

	raw := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, fmt.Errorf("failed to read encoding: %w", err)
	}
	enc := make(types.Encoding, dim)
	for i, v := range raw {
		enc[i] = float64(v)
	}
	return enc, nil
}

// roundTrip writes [u32 len][op][payload] and reads [u32 len][status][body].
func (e *PythonEngine) roundTrip(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(payload)+1)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineLost, err)
	}
	if _, err := e.Stdin.Write(append([]byte{op}, payload...)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineLost, err)
	}

	if d, ok := e.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && e.ReadTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(e.ReadTimeout))
	}

	resp, err := readBlob(e.DataPipe)
	if err != nil {
		// a crashed engine surfaces here as EOF, a hung one as a deadline error
		return nil, fmt.Errorf("%w: %v", ErrEngineLost, err)
	}
	if len(resp) == 0 {
		return nil, errors.New("empty response from engine")
	}

	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		msg, err := readBlob(bytes.NewReader(resp[1:]))
		if err != nil {
			return nil, fmt.Errorf("malformed engine error: %w", err)
		}
		return nil, fmt.Errorf("vision engine error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown engine status %d", resp[0])
	}
}

func readBlob(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxMessage {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	_, err := io.ReadFull(r, body)
	return body, err
}

// Close shuts stdin so the engine exits, then reaps it.
func (e *PythonEngine) Close() error {
	e.Stdin.Close()
	e.DataPipe.Close()
	if e.Cmd == nil {
		return nil
	}
	return e.Cmd.Wait()
}

// Distance is the Euclidean distance between two encodings. Mismatched
// lengths are infinitely far apart.
func Distance(a, b types.Encoding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
