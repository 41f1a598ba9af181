package capture

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxFrameBytes bounds a single uploaded or captured frame.
const DefaultMaxFrameBytes = 8 * 1024 * 1024

var jpegMagic = []byte{0xFF, 0xD8, 0xFF}

// DecodeFrame decodes a base64 JPEG, accepting an optional data: URL prefix
// as produced by canvas.toDataURL.
func DecodeFrame(encoded string, maxBytes int) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if i := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && i >= 0 {
		encoded = encoded[i+1:]
	}
	if encoded == "" {
		return nil, errors.New("frame is empty")
	}
	if maxBytes > 0 && base64.StdEncoding.DecodedLen(len(encoded)) > maxBytes+3 {
		return nil, fmt.Errorf("frame exceeds %d bytes", maxBytes)
	}

	frame, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("frame is not valid base64: %w", err)
	}
	if !bytes.HasPrefix(frame, jpegMagic) {
		return nil, errors.New("frame is not a JPEG image")
	}
	return frame, nil
}
