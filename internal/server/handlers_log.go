package server

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	blcerrors "github.com/Jecosine/blivechat/internal/errors"
	"github.com/Jecosine/blivechat/internal/storage"
)

func (s *Server) handleLogList(c echo.Context) error {
	if s.eventLog == nil {
		return jsonError(c, blcerrors.NotFoundError("event log is disabled"))
	}

	records, err := s.eventLog.List(c.Request().Context())
	if err != nil {
		return jsonError(c, blcerrors.InternalError("failed to list log records", err))
	}
	if records == nil {
		records = []storage.LogRecord{}
	}
	return c.JSON(http.StatusOK, map[string]any{"records": records})
}

// handleLogDownload serves one log as newline-delimited JSON, named after the
// record so browsers save it as a file.
func (s *Server) handleLogDownload(c echo.Context) error {
	if s.eventLog == nil {
		return jsonError(c, blcerrors.NotFoundError("event log is disabled"))
	}

	lid, err := strconv.ParseInt(c.Param("lid"), 10, 64)
	if err != nil || lid <= 0 {
		return jsonError(c, blcerrors.ValidationError("lid must be a positive integer"))
	}

	record, events, err := s.eventLog.Get(c.Request().Context(), lid)
	if err != nil {
		return jsonError(c, err)
	}

	var buf bytes.Buffer
	for _, event := range events {
		buf.Write(event)
		buf.WriteByte('\n')
	}

	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", record.Filename))
	return c.Blob(http.StatusOK, "application/x-ndjson", buf.Bytes())
}

func (s *Server) handleLogDelete(c echo.Context) error {
	if s.eventLog == nil {
		return jsonError(c, blcerrors.NotFoundError("event log is disabled"))
	}

	lid, err := strconv.ParseInt(c.Param("lid"), 10, 64)
	if err != nil || lid <= 0 {
		return jsonError(c, blcerrors.ValidationError("lid must be a positive integer"))
	}

	if err := s.eventLog.Delete(c.Request().Context(), lid); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
