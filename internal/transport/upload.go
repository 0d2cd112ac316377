package transport

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// uploadNameHeader optionally names the uploaded blob; unsafe
// characters are replaced with underscores and the serial is always
// prepended.
const uploadNameHeader = "X-nl-upload-name"

// unsafeNameChars matches everything not allowed in an upload filename.
var unsafeNameChars = regexp.MustCompile(`[^0-9A-Za-z._-]`)

// handleUpload persists an opaque device log blob. The firmware treats
// this as fire-and-forget; the only contract is a 200.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	serial := requestSerial(r)

	maxBytes := s.upload.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		writeBadRequest(w, "unreadable body")
		return
	}

	if err := os.MkdirAll(s.upload.Dir, 0750); err != nil {
		s.logger.Error("creating upload directory", "dir", s.upload.Dir, "error", err)
		writeInternalError(w, "upload storage unavailable")
		return
	}

	name := uploadFilename(serial, r.Header.Get(uploadNameHeader))
	path := filepath.Join(s.upload.Dir, name)
	if err := os.WriteFile(path, body, 0600); err != nil {
		s.logger.Error("writing upload", "path", path, "error", err)
		writeInternalError(w, "upload storage unavailable")
		return
	}

	s.logger.Debug("device upload stored", "serial", serial, "path", path, "bytes", len(body))
	w.WriteHeader(http.StatusOK)
}

// uploadFilename derives a safe filename from the serial, the optional
// name header, and the wall clock.
func uploadFilename(serial, requested string) string {
	stamp := time.Now().UTC().Format("20060102T150405")
	if requested == "" {
		return fmt.Sprintf("%s-%s.log", serial, stamp)
	}
	safe := unsafeNameChars.ReplaceAllString(requested, "_")
	return fmt.Sprintf("%s-%s-%s", serial, stamp, safe)
}
