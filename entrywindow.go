package engram

import (
	"io"
	"math"
)

// entryWindow returns a read-only window over bytes [off, off+n) of r (an
// entry's stored payload inside the archive body). Where r is an
// *io.SectionReader whose bound covers the window, the window is rebased
// onto the SectionReader's own underlying reader, repeatedly, so that each
// ReadAt is a single call on the innermost reader.
func entryWindow(r io.ReaderAt, off, n int64) *entryReaderAt {
	for {
		t, ok := r.(*io.SectionReader)
		if !ok {
			break
		}
		outer, outerOff, outerN := t.Outer()
		if off+n > outerN {
			break
		}
		r, off = outer, off+outerOff
	}
	return &entryReaderAt{r, off, n}
}

// entryReaderAt is a read-only window onto an underlying io.ReaderAt,
// reporting io.EOF once a read would cross the window's bound.
type entryReaderAt struct {
	r      io.ReaderAt
	off, n int64
}

func (s *entryReaderAt) outer() (io.ReaderAt, int64, int64) { return s.r, s.off, s.n }

func (s *entryReaderAt) Size() int64 { return s.n }

func (s *entryReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	if s.n < 0 || s.off < 0 || off < 0 || s.off+off < 0 || off >= s.n {
		return 0, io.EOF
	}

	windowEnd := s.off + s.n
	if windowEnd < s.off { // integer overflow
		windowEnd = math.MaxInt64
	}

	off += s.off
	if max := windowEnd - off; int64(len(p)) > max {
		p = p[:max]
		n, err = s.r.ReadAt(p, off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return s.r.ReadAt(p, off)
}
