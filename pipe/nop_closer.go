package pipe

import "io"

// newReaderNopCloser returns an io.ReadCloser with a no-op Close method
// wrapping `r`. If `r` implements io.WriterTo, so does the result.
//
// This differs from io.NopCloser in that command stages know how to
// unwrap it, so that an underlying `*os.File` can still be handed to a
// subprocess as a plain file descriptor.
func newReaderNopCloser(r io.Reader) io.ReadCloser {
	if _, ok := r.(io.WriterTo); ok {
		return readerWriterToNopCloser{r}
	}
	return readerNopCloser{r}
}

type readerNopCloser struct {
	io.Reader
}

func (readerNopCloser) Close() error { return nil }

type readerWriterToNopCloser struct {
	io.Reader
}

func (readerWriterToNopCloser) Close() error { return nil }

func (c readerWriterToNopCloser) WriteTo(w io.Writer) (n int64, err error) {
	return c.Reader.(io.WriterTo).WriteTo(w)
}

type writerNopCloser struct {
	io.Writer
}

func (writerNopCloser) Close() error { return nil }

// unwrapNopCloser returns the value wrapped by one of the nop closers
// above, or `(nil, false)` if `v` is not one of them.
func unwrapNopCloser(v any) (any, bool) {
	switch v := v.(type) {
	case readerNopCloser:
		return v.Reader, true
	case readerWriterToNopCloser:
		return v.Reader, true
	case writerNopCloser:
		return v.Writer, true
	default:
		return nil, false
	}
}
