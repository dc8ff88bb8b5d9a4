// Package mimer sniffs the content type of local media files. The
// demuxer uses it for inputs that arrive as bare file paths or file://
// URLs, and only logs the result at debug level.
package mimer

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aofei/mimesniffer"
)

// UnknownMediaType is returned when no registered signature matches.
const UnknownMediaType = "application/octet-stream"

// MediaTypeM3U is the content type reported for HLS playlists, which
// mimesniffer's built-in table does not recognize.
const MediaTypeM3U = "application/x-mpegurl"

// isVideoTsSignature reports whether buffer looks like an MPEG-TS
// stream: per https://en.wikipedia.org/wiki/List_of_file_signatures,
// byte 0x47 repeats every 188 bytes.
func isVideoTsSignature(buffer []byte) bool {
	const (
		tsSignature         = 0x47
		tsSignatureInterval = 188
	)

	if len(buffer) < tsSignatureInterval {
		return false
	}

	for i := 0; i < len(buffer); i += tsSignatureInterval {
		if buffer[i] != tsSignature {
			return false
		}
	}

	return true
}

func isM3USignature(buffer []byte) bool {
	const m3uSignature = "#EXTM3U"

	return strings.HasPrefix(string(buffer), m3uSignature)
}

func init() {
	mimesniffer.Register("video/mp2t", isVideoTsSignature)
	mimesniffer.Register(MediaTypeM3U, isM3USignature)
}

// SniffReader reads up to 512 bytes from r and returns its sniffed
// content type.
func SniffReader(r io.Reader) (string, error) {
	const fingerprintSize = 512

	buffer := make([]byte, fingerprintSize)

	n, err := r.Read(buffer)
	if err != nil && n == 0 {
		return UnknownMediaType, fmt.Errorf("mimer: read for sniffing: %w", err)
	}

	return mimesniffer.Sniff(buffer[:n]), nil
}

// SniffFile opens sourcePath and returns its sniffed content type, or
// UnknownMediaType if it cannot be opened or read.
func SniffFile(sourcePath string) string {
	f, err := os.Open(sourcePath) //nolint:gosec // caller-controlled media path, not user-facing web input.
	if err != nil {
		return UnknownMediaType
	}

	defer f.Close() //nolint:errcheck // read-only file, close failure is not actionable.

	mimeType, err := SniffReader(f)
	if err != nil {
		return UnknownMediaType
	}

	return mimeType
}
