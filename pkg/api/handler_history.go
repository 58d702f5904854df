package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/thebobhuff/Astromech-Agent/pkg/models"
)

// maxUploadBytes caps a single file upload.
const maxUploadBytes = 25 << 20

// getHistoryHandler handles GET /history/:session_id.
func (s *Server) getHistoryHandler(c *echo.Context) error {
	sess, err := s.sessions.Load(c.Param("session_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, sess)
}

// clearHistoryHandler handles DELETE /history/:session_id by replacing
// the stored session with an empty one.
func (s *Server) clearHistoryHandler(c *echo.Context) error {
	sessionID := c.Param("session_id")
	if err := s.sessions.Save(models.NewAgentSession(sessionID)); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Info("Session history cleared", "session_id", sessionID)
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "cleared",
		"session_id": sessionID,
	})
}

// UploadResponse describes one stored upload.
type UploadResponse struct {
	Filename         string `json:"filename"`
	OriginalFilename string `json:"original_filename"`
	Path             string `json:"path"`
	Size             int64  `json:"size"`
	MimeType         string `json:"mime_type"`
	PinnedToContext  bool   `json:"pinned_to_context"`
	UploadedAt       string `json:"uploaded_at"`
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		name = "upload"
	}
	return name
}

// uploadHandler handles POST /uploads (multipart). The stored name is
// prefixed with a UTC timestamp and a random token so repeated uploads
// of the same file never collide. Pinned files are appended to the
// session's context file list and injected into future prompts.
func (s *Server) uploadHandler(c *echo.Context) error {
	sessionID := c.FormValue("session_id")
	if sessionID == "" {
		sessionID = "default"
	}
	pin := true
	if v := c.FormValue("pin_to_context"); v != "" {
		pin = v == "true" || v == "1"
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if fileHeader.Size > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			"File too large. Max supported upload size is 25MB.")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()

	now := time.Now().UTC()
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	storedName := fmt.Sprintf("%s_%s_%s",
		now.Format("20060102T150405Z"), token, sanitizeFilename(fileHeader.Filename))

	if err := os.MkdirAll(s.uploadsDir, 0o755); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	destPath := filepath.Join(s.uploadsDir, storedName)
	dst, err := os.Create(destPath)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	size, err := io.Copy(dst, io.LimitReader(src, maxUploadBytes+1))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(destPath)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if size > maxUploadBytes {
		os.Remove(destPath)
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			"File too large. Max supported upload size is 25MB.")
	}

	absPath, err := filepath.Abs(destPath)
	if err != nil {
		absPath = destPath
	}
	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(storedName))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	resp := UploadResponse{
		Filename:         storedName,
		OriginalFilename: fileHeader.Filename,
		Path:             absPath,
		Size:             size,
		MimeType:         mimeType,
		PinnedToContext:  pin,
		UploadedAt:       now.Format(time.RFC3339),
	}

	if err := s.recordUpload(sessionID, resp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Info("File uploaded", "session_id", sessionID, "filename", storedName, "size", size)
	return c.JSON(http.StatusOK, resp)
}

// recordUpload attaches the upload to the session: pinned files go on
// the context list, and the upload log keeps the most recent 100.
func (s *Server) recordUpload(sessionID string, upload UploadResponse) error {
	sess, err := s.sessions.Load(sessionID)
	if err != nil {
		return err
	}
	if upload.PinnedToContext {
		sess.ContextFiles = append(sess.ContextFiles, upload.Path)
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	uploaded, _ := sess.Metadata["uploaded_files"].([]any)
	uploaded = append(uploaded, map[string]any{
		"filename":          upload.Filename,
		"original_filename": upload.OriginalFilename,
		"path":              upload.Path,
		"size":              upload.Size,
		"mime_type":         upload.MimeType,
		"pinned_to_context": upload.PinnedToContext,
		"uploaded_at":       upload.UploadedAt,
	})
	if len(uploaded) > 100 {
		uploaded = uploaded[len(uploaded)-100:]
	}
	sess.Metadata["uploaded_files"] = uploaded
	return s.sessions.Save(sess)
}

// listUploadsHandler handles GET /uploads/:session_id.
func (s *Server) listUploadsHandler(c *echo.Context) error {
	sessionID := c.Param("session_id")
	sess, err := s.sessions.Load(sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	uploaded, _ := sess.Metadata["uploaded_files"].([]any)
	if uploaded == nil {
		uploaded = []any{}
	}
	contextFiles := sess.ContextFiles
	if contextFiles == nil {
		contextFiles = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id":     sessionID,
		"uploaded_files": uploaded,
		"context_files":  contextFiles,
	})
}
