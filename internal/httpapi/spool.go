package httpapi

import (
	"bytes"
	"io"
	"os"
	"sync"
)

const defaultSpoolMemoryThreshold = 8 << 20

// partSpool holds an uploaded chunk in memory up to a threshold and spills
// the rest to a temp file, so the chunk can be re-read on retry.
type partSpool struct {
	threshold int64
	size      int64
	buf       []byte
	file      *os.File
	pooled    bool
}

var spoolBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, defaultSpoolMemoryThreshold)
	},
}

func newPartSpool(threshold int64) *partSpool {
	ps := &partSpool{threshold: threshold}
	if threshold == defaultSpoolMemoryThreshold {
		if buf, ok := spoolBufferPool.Get().([]byte); ok {
			ps.buf = buf[:0]
			ps.pooled = true
		}
	}
	return ps
}

// Write implements io.Writer.
func (p *partSpool) Write(data []byte) (int, error) {
	if p.file != nil {
		n, err := p.file.Write(data)
		p.size += int64(n)
		return n, err
	}
	if int64(len(p.buf))+int64(len(data)) <= p.threshold {
		p.buf = append(p.buf, data...)
		p.size += int64(len(data))
		return len(data), nil
	}
	f, err := os.CreateTemp("", "cloudstorage-part-")
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(p.buf); err != nil {
		p.discard(f)
		return 0, err
	}
	p.release()
	n, err := f.Write(data)
	p.size += int64(n)
	if err != nil {
		p.discard(f)
		return n, err
	}
	p.file = f
	return n, nil
}

// Size reports the number of bytes spooled.
func (p *partSpool) Size() int64 { return p.size }

// Reader returns the spooled bytes from the start.
func (p *partSpool) Reader() (io.ReadSeeker, error) {
	if p.file != nil {
		if _, err := p.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return p.file, nil
	}
	return bytes.NewReader(p.buf), nil
}

// Close releases the buffer and removes any spill file.
func (p *partSpool) Close() error {
	p.release()
	if p.file == nil {
		return nil
	}
	name := p.file.Name()
	err := p.file.Close()
	_ = os.Remove(name)
	p.file = nil
	return err
}

func (p *partSpool) release() {
	if p.pooled {
		spoolBufferPool.Put(p.buf[:0]) //nolint:staticcheck // slice header reuse is intended
		p.pooled = false
	}
	p.buf = nil
}

func (p *partSpool) discard(f *os.File) {
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}
