package gateway

import (
	"compress/zlib"
	"io"
)

// streamInflater decompresses the zlib-stream transport mode. Discord
// sends one continuous zlib stream across all websocket messages, each
// message terminated by a Z_SYNC_FLUSH, so the inflater must keep its
// dictionary alive between frames rather than resetting per message.
//
// Frames are pumped into a pipe; the zlib reader pulls from it lazily so
// a frame split across websocket messages decodes the same as a whole
// one.
type streamInflater struct {
	pr *io.PipeReader
	pw *io.PipeWriter
	zr io.ReadCloser
}

func newStreamInflater() *streamInflater {
	pr, pw := io.Pipe()
	return &streamInflater{pr: pr, pw: pw}
}

// Write feeds one websocket message of compressed bytes. Blocks until
// the reader side consumes them.
func (z *streamInflater) Write(p []byte) (int, error) {
	return z.pw.Write(p)
}

// CloseWrite tears down the writer side, propagating err to the reader.
func (z *streamInflater) CloseWrite(err error) {
	z.pw.CloseWithError(err)
}

// Read yields decompressed bytes. The zlib header is only available once
// the first frame arrives, hence the lazy reader construction.
func (z *streamInflater) Read(p []byte) (int, error) {
	if z.zr == nil {
		zr, err := zlib.NewReader(z.pr)
		if err != nil {
			return 0, err
		}
		z.zr = zr
	}
	return z.zr.Read(p)
}

// Close releases both ends of the pipe.
func (z *streamInflater) Close() error {
	z.pw.CloseWithError(io.ErrClosedPipe)
	z.pr.CloseWithError(io.ErrClosedPipe)
	if z.zr != nil {
		return z.zr.Close()
	}
	return nil
}
