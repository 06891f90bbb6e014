package transport

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/klauspost/compress/zstd"
)

// DataWriter is the source's write side of one pooled data connection,
// optionally zstd-framed. Flush must be called at each file boundary so a
// compressed file becomes readable without waiting for the next one.
type DataWriter struct {
	conn net.Conn
	zw   *zstd.Encoder
}

func NewDataWriter(c net.Conn, compress bool) (*DataWriter, error) {
	w := &DataWriter{conn: c}
	if compress {
		zw, err := zstd.NewWriter(c, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		w.zw = zw
	}
	return w, nil
}

func (w *DataWriter) Write(p []byte) (int, error) {
	if w.zw != nil {
		return w.zw.Write(p)
	}
	return w.conn.Write(p)
}

func (w *DataWriter) Flush() error {
	if w.zw != nil {
		if err := w.zw.Flush(); err != nil {
			return fmt.Errorf("zstd flush: %w", err)
		}
	}
	return nil
}

func (w *DataWriter) Close() error {
	if w.zw != nil {
		// Close flushes the zstd frame; the TCP close below carries the EOF.
		if err := w.zw.Close(); err != nil {
			w.conn.Close()
			return fmt.Errorf("zstd close: %w", err)
		}
	}
	return w.conn.Close()
}

// Abort tears the connection down without flushing. Used for the Corrupted
// state where the stream position is unknown.
func (w *DataWriter) Abort() error { return w.conn.Close() }

// DataReader is the destination's read side of one data connection.
type DataReader struct {
	conn net.Conn
	zr   *zstd.Decoder
	Br   *bufio.Reader
}

func NewDataReader(c net.Conn, compress bool) (*DataReader, error) {
	r := &DataReader{conn: c}
	var src io.Reader = c
	if compress {
		zr, err := zstd.NewReader(c, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		r.zr = zr
		src = zr
	}
	r.Br = bufio.NewReaderSize(src, 256<<10)
	return r, nil
}

func (r *DataReader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	return r.conn.Close()
}
