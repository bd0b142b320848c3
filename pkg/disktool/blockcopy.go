package disktool

import (
	"context"
	"io"
)

// CopyBlocks streams src into dst in blockSize chunks, checking ctx and
// reporting progress once per block. The block size bounds peak memory
// and sets the cancellation granularity; a few hundred KiB to a few MiB
// amortizes call overhead on SD-class media.
func CopyBlocks(ctx context.Context, dst io.Writer, src io.Reader, blockSize int, onProgress func(written int64)) (int64, error) {
	buf := make([]byte, blockSize)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if wn < n {
				return written, io.ErrShortWrite
			}
			if onProgress != nil {
				onProgress(written)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
