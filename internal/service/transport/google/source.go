package google

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// WAVSource replays a 16-bit PCM WAV file as LINEAR16 audio. The read
// position survives across sessions, so a restarted stream resumes where the
// previous one ended.
type WAVSource struct {
	pcm        []byte
	sampleRate int
	chunk      int           // bytes per read
	pace       time.Duration // wall time per chunk, 0 = as fast as possible

	mu     sync.Mutex
	offset int
}

// NewWAVSource decodes path. With realtime set, audio is delivered at
// playback speed in 100ms chunks.
func NewWAVSource(path string, realtime bool) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()
	return decodeWAV(f, realtime)
}

func decodeWAV(r io.ReadSeeker, realtime bool) (*WAVSource, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("not a valid WAV file")
	}
	if d.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d, want 16", d.BitDepth)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}

	channels := int(d.NumChans)
	if channels < 1 {
		channels = 1
	}
	// Keep the first channel only; recognition is mono.
	frames := len(buf.Data) / channels
	pcm := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(buf.Data[i*channels])))
	}

	rate := int(d.SampleRate)
	s := &WAVSource{
		pcm:        pcm,
		sampleRate: rate,
		chunk:      rate * 2 / 10,
	}
	if s.chunk <= 0 {
		s.chunk = 3200
	}
	if realtime {
		s.pace = 100 * time.Millisecond
	}
	return s, nil
}

// Open returns a reader over the remaining audio.
func (s *WAVSource) Open(ctx context.Context) (Audio, error) {
	return Audio{ReadCloser: &wavReader{ctx: ctx, src: s}, SampleRateHz: s.sampleRate}, nil
}

// Remaining reports how many bytes of audio are left.
func (s *WAVSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pcm) - s.offset
}

func (s *WAVSource) next(max int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offset >= len(s.pcm) {
		return nil
	}
	end := s.offset + max
	if end > len(s.pcm) {
		end = len(s.pcm)
	}
	b := s.pcm[s.offset:end]
	s.offset = end
	return b
}

type wavReader struct {
	ctx    context.Context
	src    *WAVSource
	closed bool
	mu     sync.Mutex
}

func (r *wavReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return 0, io.EOF
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	max := r.src.chunk
	if len(p) < max {
		max = len(p)
	}
	b := r.src.next(max)
	if b == nil {
		return 0, io.EOF
	}

	if r.src.pace > 0 {
		t := time.NewTimer(r.src.pace)
		select {
		case <-r.ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return copy(p, b), nil
}

func (r *wavReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
