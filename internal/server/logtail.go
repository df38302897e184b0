package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vberezny/agentgate/internal/redact"
)

// bytesPerLine sizes the suffix read for the tail: n lines are assumed to
// fit in n*bytesPerLine bytes. Lines longer than that get truncated at the
// read boundary, which is acceptable for a log tail.
const bytesPerLine = 512

func (s *Server) handleLogtail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot read session")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	q := r.URL.Query()
	stream := q.Get("stream")
	if stream == "" {
		stream = "stdout"
	}
	if stream != "stdout" && stream != "stderr" {
		writeError(w, http.StatusBadRequest, "stream must be stdout or stderr")
		return
	}

	n := queryInt(q, 50, "n")
	if n < 1 {
		n = 1
	}
	if n > s.cfg.LogtailMaxLines {
		n = s.cfg.LogtailMaxLines
	}

	turnDir := s.store.LatestTurnDir(id)
	if turnDir == "" {
		writeJSON(w, http.StatusOK, LogtailResponse{Lines: []string{}, Stream: stream, N: n})
		return
	}

	lines, err := tailLines(filepath.Join(turnDir, stream+".log"), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot read log")
		return
	}

	if grep := q.Get("grep"); grep != "" {
		filtered := lines[:0]
		for _, line := range lines {
			if strings.Contains(line, grep) {
				filtered = append(filtered, line)
			}
		}
		lines = filtered
	}

	for i := range lines {
		lines[i] = redact.Redact(lines[i])
	}
	writeJSON(w, http.StatusOK, LogtailResponse{Lines: lines, Stream: stream, N: n})
}

// tailLines returns the last n lines of the file, reading at most
// n*bytesPerLine bytes from its end. A missing file yields no lines.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	window := int64(n) * bytesPerLine
	offset := info.Size() - window
	truncatedHead := offset > 0
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	text := string(b)
	if truncatedHead {
		// The window likely starts mid-line; drop the partial first line.
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		} else {
			text = ""
		}
	}
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return []string{}, nil
	}

	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
