package transfer

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// DefaultSpoolMemory is the in-memory budget before a spool spills to disk.
const DefaultSpoolMemory = 4 << 20

// Spool buffers an upload in memory up to a threshold, then spills to a
// temp file.
type Spool struct {
	threshold int64
	size      int64
	buf       []byte
	file      *os.File
	pooled    bool
}

var spoolBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, DefaultSpoolMemory)
	},
}

// NewSpool returns a spool holding up to threshold bytes in memory.
func NewSpool(threshold int64) *Spool {
	sp := &Spool{threshold: threshold}
	if threshold == DefaultSpoolMemory {
		if buf, ok := spoolBufferPool.Get().([]byte); ok {
			sp.buf = buf[:0]
			sp.pooled = true
		}
	}
	return sp
}

// Write appends data, spilling to disk once the threshold is exceeded.
func (s *Spool) Write(data []byte) (int, error) {
	if s.file != nil {
		n, err := s.file.Write(data)
		s.size += int64(n)
		return n, err
	}
	if int64(len(s.buf))+int64(len(data)) <= s.threshold {
		s.buf = append(s.buf, data...)
		s.size += int64(len(data))
		return len(data), nil
	}
	f, err := os.CreateTemp("", "gridgate-upload-")
	if err != nil {
		return 0, err
	}
	if len(s.buf) > 0 {
		if _, err := f.Write(s.buf); err != nil {
			discard(f)
			return 0, err
		}
	}
	s.releaseBuffer()
	n, err := f.Write(data)
	if err != nil {
		discard(f)
		return n, err
	}
	s.file = f
	s.size += int64(n)
	return n, nil
}

// Size reports the number of bytes written.
func (s *Spool) Size() int64 { return s.size }

// Reader rewinds the spool and returns a reader over its content.
func (s *Spool) Reader() (io.ReadSeeker, error) {
	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return s.file, nil
	}
	return bytes.NewReader(s.buf), nil
}

// Close releases the buffer and removes any temp file.
func (s *Spool) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.file != nil {
		name := s.file.Name()
		err = s.file.Close()
		_ = os.Remove(name)
		s.file = nil
	}
	s.releaseBuffer()
	return err
}

func (s *Spool) releaseBuffer() {
	if s.pooled && s.buf != nil {
		spoolBufferPool.Put(s.buf[:0]) //nolint:staticcheck // pooled value slice
	}
	s.pooled = false
	s.buf = nil
}

func discard(f *os.File) {
	_ = f.Close()
	_ = os.Remove(f.Name())
}
