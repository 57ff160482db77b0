package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"goa.design/clue/log"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/workspace"
)

func (s *Server) handleList(c *gin.Context) {
	files, err := s.deps.Workspace.List()
	if err != nil {
		log.Error(c.Request.Context(), err, log.KV{K: "msg", V: "listing files"})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred while listing files."})
		return
	}
	c.JSON(http.StatusOK, files)
}

// handleDownload serves a workspace file as an attachment.
func (s *Server) handleDownload(c *gin.Context) {
	rel := c.Query("path")
	if rel == "" {
		c.String(http.StatusBadRequest, "Missing 'path' query parameter.")
		return
	}
	ctx := c.Request.Context()
	if _, err := workspace.Clean(rel); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "traversal attempt blocked"}, log.KV{K: "path", V: rel})
		c.String(http.StatusBadRequest, "Invalid file path.")
		return
	}
	f, info, err := s.deps.Workspace.OpenFile(rel)
	if err != nil {
		if notFound(err) {
			c.String(http.StatusNotFound, "File not found at path: %s", rel)
			return
		}
		log.Error(ctx, err, log.KV{K: "msg", V: "serving file"}, log.KV{K: "path", V: rel})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred while serving the file."})
		return
	}
	defer f.Close()
	name := path.Base(strings.ReplaceAll(rel, "\\", "/"))
	c.DataFromReader(http.StatusOK, info.Size(), workspace.ContentType(name), f, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", name),
	})
}

// handleView renders a workspace file inline. Text is always sent as UTF-8,
// falling back to Latin-1 when the file is not valid UTF-8.
func (s *Server) handleView(c *gin.Context) {
	rel := c.Query("path")
	if rel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File path not provided"})
		return
	}
	ctx := c.Request.Context()
	if _, err := workspace.Clean(rel); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "traversal attempt blocked"}, log.KV{K: "path", V: rel})
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied: Invalid path"})
		return
	}
	f, _, err := s.deps.Workspace.OpenFile(rel)
	if err != nil {
		if notFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "File does not exist."})
			return
		}
		log.Error(ctx, err, log.KV{K: "msg", V: "opening file"}, log.KV{K: "path", V: rel})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal error occurred"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "reading file"}, log.KV{K: "path", V: rel})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not read file"})
		return
	}

	ct := workspace.ContentType(rel)
	if !workspace.IsText(ct) {
		c.Data(http.StatusOK, ct, data)
		return
	}
	text, err := workspace.DecodeText(data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not read file"})
		return
	}
	base, _, _ := strings.Cut(ct, ";")
	c.Data(http.StatusOK, strings.TrimSpace(base)+"; charset=utf-8", []byte(text))
}

func notFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, workspace.ErrNotFile)
}
