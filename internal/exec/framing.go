package exec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const markerPrefix = "__GK_END_"

// Marker returns the end-of-command marker for a unique token.
func Marker(token string) string {
	return markerPrefix + token
}

// MarkerStatement is the shell statement that prints marker followed by the
// exit status of the last command. The leading newline keeps the marker on
// its own line when the output lacks a trailing newline.
func MarkerStatement(marker string) string {
	return fmt.Sprintf(`printf '\n%s_%%d\n' "$?"`, marker)
}

// ReadUntilMarker copies lines from r into w until a line "<marker>_<code>"
// and returns code. The newline printed ahead of the marker is not copied.
// It returns an error (io.EOF when the shell closed its output) if the
// marker never arrives.
func ReadUntilMarker(r *bufio.Reader, marker string, w io.Writer) (int, error) {
	prefix := []byte(marker + "_")
	pendingNewline := false
	atLineStart := true

	for {
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 {
			complete := chunk[len(chunk)-1] == '\n'
			if atLineStart && complete {
				if code, ok := parseMarkerLine(chunk, prefix); ok {
					return code, nil
				}
			}
			if pendingNewline {
				_, _ = w.Write([]byte{'\n'})
				pendingNewline = false
			}
			if complete {
				_, _ = w.Write(chunk[:len(chunk)-1])
				pendingNewline = true
			} else {
				_, _ = w.Write(chunk)
			}
			atLineStart = complete
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if pendingNewline {
				_, _ = w.Write([]byte{'\n'})
			}
			return -1, err
		}
	}
}

func parseMarkerLine(line, prefix []byte) (int, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, prefix) {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(line[len(prefix):])))
	if err != nil {
		return 0, false
	}
	return code, true
}
