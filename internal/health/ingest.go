package health

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/pkg/buffer"
	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

// DefaultMaxBody caps ingest bodies when no limit is configured.
const DefaultMaxBody = 10 << 20

// IngestHandler accepts POST bodies holding one JSON record or an array of
// them, optionally gzip-encoded, and appends them to a buffer. A body with
// any invalid record is rejected whole.
type IngestHandler struct {
	buf     *buffer.Ring
	maxBody int64
}

// NewIngestHandler creates an ingest handler for buf
func NewIngestHandler(buf *buffer.Ring, maxBody int64) *IngestHandler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &IngestHandler{buf: buf, maxBody: maxBody}
}

type ingestResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, ingestResponse{Error: "method not allowed"})
		return
	}

	data, err := h.readBody(r)
	if err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, code, ingestResponse{Error: err.Error()})
		return
	}

	records, err := models.DecodeRecords(data)
	if err != nil {
		logger.Debug("rejected ingest payload", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, ingestResponse{Error: err.Error()})
		return
	}

	h.buf.AppendMany(records)
	writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: len(records)})
}

func (h *IngestHandler) readBody(r *http.Request) ([]byte, error) {
	var body io.Reader = r.Body

	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		defer zr.Close()
		body = zr
	}

	// Limit the decompressed size so a small gzip body cannot expand
	// without bound.
	limited := http.MaxBytesReader(nil, io.NopCloser(body), h.maxBody)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	return data, nil
}
