// Package registry holds the known identities and matches face encodings
// against them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/firm/internal/types"
	"github.com/andresmejia3/firm/internal/vision"
)

// Matcher is the loaded registry. It is read-only after construction, so
// concurrent Match calls need no locking.
type Matcher struct {
	names     []string
	encodings []types.Encoding
}

// New builds a Matcher from parallel slices.
func New(names []string, encodings []types.Encoding) (*Matcher, error) {
	if len(names) != len(encodings) {
		return nil, fmt.Errorf("matcher names and encodings length mismatch: %d != %d", len(names), len(encodings))
	}
	m := &Matcher{
		names:     make([]string, len(names)),
		encodings: make([]types.Encoding, len(encodings)),
	}
	copy(m.names, names)
	copy(m.encodings, encodings)
	return m, nil
}

type LoadOptions struct {
	Progress io.Writer // progress bar output; nil hides it
	Logger   logrus.FieldLogger
}

// Load reads one image per identity from the top level of dir (subdirectories
// are ignored), encodes each with enc, and returns the resulting Matcher.
// The identity name is the file name without extension. Any unreadable file
// or image without an encodable face fails the whole load.
func Load(ctx context.Context, dir string, enc vision.Encoder, opts LoadOptions) (*Matcher, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry directory: %w", err)
	}

	var names, filePaths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
		abs, err := filepath.Abs(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		filePaths = append(filePaths, abs)
	}
	if len(names) != len(filePaths) {
		return nil, errors.New("matcher names and file paths length mismatch")
	}

	log.Infof("Loading %d repository file(s) ...", len(filePaths))

	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions(len(filePaths),
			progressbar.OptionSetDescription("Loading registry"),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("faces"),
			progressbar.OptionShowElapsedTimeOnFinish(),
		)
	}

	encodings := make([]types.Encoding, 0, len(filePaths))
	for i, path := range filePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read registry file: %w", err)
		}
		e, err := enc.Encode(ctx, types.DetectedFace{Crop: data})
		if err != nil {
			return nil, fmt.Errorf("failed to encode registry file %s (%s): %w", filepath.Base(path), names[i], err)
		}
		encodings = append(encodings, e)
		if bar != nil {
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
	}

	m, err := New(names, encodings)
	if err != nil {
		return nil, err
	}
	log.Infof("Loaded %d person(s) into matcher", m.Len())
	return m, nil
}

// Match returns every identity whose encoding lies within tolerance of enc,
// in registry order. An empty result means no match.
func (m *Matcher) Match(enc types.Encoding, tolerance float64) []string {
	var matched []string
	for i, known := range m.encodings {
		if vision.Distance(known, enc) <= tolerance {
			matched = append(matched, m.names[i])
		}
	}
	return matched
}

func (m *Matcher) Len() int { return len(m.names) }

// Names returns a copy of the identity names in registry order.
func (m *Matcher) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}
