package artifact

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// The metadata document is appended to the artifact, followed by a line
// "X<length>\n" giving the document length in bytes.
const trailerWindow = 24

// ErrNoMetadata is returned when a blob carries no metadata trailer.
var ErrNoMetadata = errors.New("no artifact metadata trailer")

// ExtractMetadata returns the metadata document appended to the blob of the
// given size.
func ExtractMetadata(r io.ReaderAt, size int64) ([]byte, error) {
	window := int64(trailerWindow)
	if size < window {
		window = size
	}
	if window < 3 {
		return nil, ErrNoMetadata
	}
	tail := make([]byte, window)
	if _, err := r.ReadAt(tail, size-window); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read metadata trailer: %w", err)
	}

	for i := len(tail) - 2; i >= 0; i-- {
		if tail[i] != 'X' || !isDigit(tail[i+1]) {
			continue
		}
		end := i + 1
		for end < len(tail) && isDigit(tail[end]) {
			end++
		}
		if end == len(tail) || !isSpace(tail[end]) {
			return nil, ErrNoMetadata
		}
		n, err := strconv.ParseInt(string(tail[i+1:end]), 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrNoMetadata
		}
		start := size - (window - int64(i)) - n
		if start < 0 {
			return nil, ErrNoMetadata
		}
		data := make([]byte, n)
		if _, err := r.ReadAt(data, start); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read metadata: %w", err)
		}
		return data, nil
	}
	return nil, ErrNoMetadata
}

// AppendMetadata writes doc followed by its length trailer.
func AppendMetadata(w io.Writer, doc []byte) error {
	if _, err := w.Write(doc); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "X%d\n", len(doc))
	return err
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isSpace(b byte) bool { return b == '\n' || b == '\r' || b == ' ' || b == '\t' }
