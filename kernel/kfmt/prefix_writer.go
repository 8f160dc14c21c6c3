package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. It is used to tag kernel diagnostics
// when they are forwarded to a shared output stream.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is set when the last byte written was not a line feed.
	midLine bool
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the number of written bytes returned by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) > 0 {
		if !w.midLine {
			w.Sink.Write(w.Prefix)
			w.midLine = true
		}

		chunk := p
		lf := bytes.IndexByte(p, '\n')
		if lf >= 0 {
			chunk = p[:lf+1]
		}

		n, err := w.Sink.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}

		if lf >= 0 {
			w.midLine = false
		}
		p = p[len(chunk):]
	}

	return written, nil
}
