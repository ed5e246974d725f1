package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"unicode"

	"github.com/heimdex/clipd/internal/timeline"
)

const maxFilenameRunes = 80

// serveClip streams a finished clip as a video/mp4 attachment. started reports
// whether the status line was sent, after which errors can no longer be
// reported to the client.
func serveClip(w http.ResponseWriter, filePath, filename string) (started bool, err error) {
	file, err := os.Open(filePath)
	if err != nil {
		return false, fmt.Errorf("failed to open clip: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat clip: %w", err)
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", strconv.FormatInt(stat.Size(), 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, file); err != nil {
		return true, fmt.Errorf("failed to stream clip: %w", err)
	}
	return true, nil
}

// clipFilename names a cut after its source: "<source>_<start>-<end>.mp4".
func clipFilename(sourceURL string, start, end float64) string {
	base := "clip"
	if u, err := url.Parse(sourceURL); err == nil {
		name := strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
		if cleaned := sanitizeName(name, maxFilenameRunes); cleaned != "" && cleaned != "." {
			base = cleaned
		}
	}
	return fmt.Sprintf("%s_%s-%s.mp4", base, timeline.FormatSeconds(start), timeline.FormatSeconds(end))
}

// sanitizeName keeps letters, digits and -_. and replaces everything else with
// '_'. Control characters are dropped.
func sanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.Trim(b.String(), "._")
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '-', '_', '.':
		return true
	default:
		return false
	}
}
