package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"github.com/skypro1111/archive-stream-service/internal/archive"
	"github.com/skypro1111/archive-stream-service/internal/metrics"
	"github.com/skypro1111/archive-stream-service/internal/storage"
	"github.com/skypro1111/archive-stream-service/internal/stream"
)

const (
	archiveContentType = "application/zip"
	archiveDisposition = `attachment; filename="archive.zip"`
	notFoundMessage    = "Archive does not exist or has been deleted."
)

// handleArchive implements the /archive/{id}/ endpoint
func (h *HTTPServer) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logger := h.logger.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("archive_id", id),
	)

	dir, err := h.resolver.Resolve(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Debug("Archive not found", slog.String("error", err.Error()))
			h.metrics.RecordArchiveRejected(metrics.OutcomeNotFound)
			http.Error(w, notFoundMessage, http.StatusNotFound)
			return
		}
		logger.Error("Failed to resolve archive", slog.String("error", err.Error()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if r.Method == http.MethodHead {
		setArchiveHeaders(w)
		return
	}

	if !h.beginArchive() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.archives.Done()

	proc, err := h.spawner.Spawn(r.Context(), dir)
	if err != nil {
		logger.Error("Failed to start archiver", slog.String("error", err.Error()))
		h.metrics.RecordArchiveRejected(metrics.OutcomeSpawnFailed)
		http.Error(w, "Failed to start archiving", http.StatusInternalServerError)
		return
	}
	defer proc.Terminate()

	h.metrics.RecordArchiveStarted()
	outcome := metrics.OutcomeCompleted
	var res stream.Result
	defer func() {
		h.metrics.RecordArchiveFinished(outcome, res.Bytes, res.Duration.Seconds())
	}()

	logger.Info("Streaming archive",
		slog.String("dir", dir),
		slog.Int("pid", proc.Pid()),
	)

	setArchiveHeaders(w)
	sw := newStreamWriter(w, h.config.StallTimeout)

	res, err = stream.Relay(r.Context(), proc, sw, stream.Config{
		ChunkSize: h.config.ChunkSize,
		Delay:     h.config.ChunkDelay,
	})
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = metrics.OutcomeCancelled
		logger.Debug("Archive stream cancelled",
			slog.Int64("bytes", res.Bytes),
			slog.String("error", err.Error()),
		)
		panic(http.ErrAbortHandler)

	case errors.Is(err, stream.ErrWrite):
		outcome = metrics.OutcomeDisconnected
		logger.Debug("Client stopped receiving archive",
			slog.Int64("bytes", res.Bytes),
			slog.String("error", err.Error()),
		)
		return

	case err != nil:
		outcome = metrics.OutcomeArchiverFail
		logger.Error("Failed to relay archive", slog.String("error", err.Error()))
		h.failStream(w, res.Bytes)
		return
	}

	if werr := proc.Wait(); werr != nil {
		if res.Bytes == 0 && archive.IsNothingToDo(werr) {
			// zip refuses to produce an archive with no entries.
			logger.Debug("Directory has no files, sending empty archive")
			if err := zip.NewWriter(sw).Close(); err != nil {
				outcome = metrics.OutcomeDisconnected
			}
			return
		}

		outcome = metrics.OutcomeArchiverFail
		logger.Warn("Archiver failed",
			slog.Int64("bytes", res.Bytes),
			slog.String("error", werr.Error()),
		)
		h.failStream(w, res.Bytes)
		return
	}

	logger.Info("Archive streamed",
		slog.Int64("bytes", res.Bytes),
		slog.Int("chunks", res.Chunks),
		slog.Duration("duration", res.Duration),
	)
}

// failStream reports a failure with a status code while nothing has been sent,
// and aborts the connection otherwise so the client sees a truncated transfer.
func (h *HTTPServer) failStream(w http.ResponseWriter, written int64) {
	if written == 0 {
		w.Header().Del("Content-Disposition")
		http.Error(w, "Failed to create archive", http.StatusInternalServerError)
		return
	}
	panic(http.ErrAbortHandler)
}

func setArchiveHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", archiveContentType)
	w.Header().Set("Content-Disposition", archiveDisposition)
}

// streamWriter flushes every chunk to the client and renews the write
// deadline before each one, so a stalled client fails the write instead of
// pinning the archiver forever.
type streamWriter struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	stall time.Duration
}

func newStreamWriter(w http.ResponseWriter, stall time.Duration) *streamWriter {
	return &streamWriter{w: w, rc: http.NewResponseController(w), stall: stall}
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if s.stall > 0 {
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.stall)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return 0, err
		}
	}

	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}

	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}
