package bodystore

import "os"

// writeBodyFile streams body to path in accumulatorSize chunks and
// fsyncs before closing, so a crash after this call returns leaves
// either a complete file or none at all (a partial file is only
// possible if the process dies mid-write, which invariant 6's
// missing-file repair on the next read already handles).
func writeBodyFile(path string, body []byte, accumulatorSize int) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	for off := 0; off < len(body); off += accumulatorSize {
		end := off + accumulatorSize
		if end > len(body) {
			end = len(body)
		}
		if _, err := f.Write(body[off:end]); err != nil {
			return err
		}
	}
	return f.Sync()
}
