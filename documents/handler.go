// Package documents exposes upload, listing, sharing and deletion of
// documents over HTTP.
package documents

import (
	"context"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docchat_back/authorization"
	"docchat_back/knowledge"
	"docchat_back/policy"
	"docchat_back/storage"

	"github.com/gin-gonic/gin"
)

const fileURLExpiry = 15 * time.Minute

// FileStore keeps uploaded document bytes.
type FileStore interface {
	Upload(ctx context.Context, fileHeader *multipart.FileHeader, owner string) (string, error)
	Remove(ctx context.Context, ref string) error
	PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error)
}

type Config struct {
	Service  *knowledge.Service
	Files    FileStore
	Notifier Notifier
	Logger   *slog.Logger
}

// Module serves the /documents routes.
type Module struct {
	service  *knowledge.Service
	files    FileStore
	notifier Notifier
	logger   *slog.Logger
}

type shareRequest struct {
	Email    string `json:"email" binding:"required"`
	Relation string `json:"relation"`
}

// RegisterRoutes mounts /documents behind the authentication guard.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, cfg Config) (*Module, error) {
	if cfg.Service == nil {
		return nil, errors.New("documents: knowledge service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Module{service: cfg.Service, files: cfg.Files, notifier: cfg.Notifier, logger: cfg.Logger}

	group := router.Group("/documents")
	group.Use(guard.RequireAuthenticated())
	group.POST("", m.handleUpload)
	group.GET("", m.handleListAccessible)
	group.GET("/mine", m.handleListOwned)
	group.GET("/public", m.handleListPublic)
	group.GET("/:id", m.handleGet)
	group.PATCH("/:id", m.handleUpdate)
	group.POST("/:id/share", m.handleShare)
	group.POST("/:id/reindex", m.handleReindex)
	group.DELETE("/:id", m.handleDelete)
	return m, nil
}

func (m *Module) handleUpload(c *gin.Context) {
	principal := authorization.Principal(c)
	if principal == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if m.files == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document storage not configured"})
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document file is required"})
		return
	}
	public, _ := strconv.ParseBool(strings.TrimSpace(c.PostForm("shared")))

	ctx := c.Request.Context()
	ref, err := m.files.Upload(ctx, file, principal)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidFile) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		m.logger.Error("upload document failed", "principal", principal, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store document"})
		return
	}

	doc, err := m.service.Create(ctx, knowledge.NewDocument{
		OwnerID:    principal,
		Title:      c.PostForm("title"),
		FileName:   file.Filename,
		StorageRef: ref,
		Public:     public,
	})
	if err != nil {
		if removeErr := m.files.Remove(context.WithoutCancel(ctx), ref); removeErr != nil {
			m.logger.Warn("remove orphaned upload failed", "ref", ref, "error", removeErr)
		}
		m.writeError(c, err)
		return
	}

	doc, result, err := m.service.Ingest(ctx, doc.ID)
	if err != nil {
		status, message := m.classify(err)
		body := gin.H{"error": message}
		if doc != nil {
			body["document"] = doc
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"document": doc, "ingest": result})
}

func (m *Module) handleListAccessible(c *gin.Context) {
	docs, err := m.service.ListAccessible(c.Request.Context(), authorization.Principal(c))
	if err != nil {
		m.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (m *Module) handleListOwned(c *gin.Context) {
	docs, err := m.service.ListOwned(c.Request.Context(), authorization.Principal(c))
	if err != nil {
		m.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (m *Module) handleListPublic(c *gin.Context) {
	docs, err := m.service.ListPublic(c.Request.Context())
	if err != nil {
		m.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (m *Module) handleGet(c *gin.Context) {
	ctx := c.Request.Context()
	doc, err := m.service.GetForViewer(ctx, authorization.Principal(c), c.Param("id"))
	if err != nil {
		m.writeError(c, err)
		return
	}

	response := gin.H{"document": doc}
	if m.files != nil {
		signed, err := m.files.PresignedURL(ctx, doc.StorageRef, fileURLExpiry)
		if err != nil {
			m.logger.Warn("presign document url failed", "document_id", doc.ID, "error", err)
		} else if signed != "" {
			response["file_url"] = signed
		}
	}
	c.JSON(http.StatusOK, response)
}

func (m *Module) handleUpdate(c *gin.Context) {
	var req knowledge.DocumentUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if req.Title == nil && req.Public == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}
	doc, err := m.service.Update(c.Request.Context(), authorization.Principal(c), c.Param("id"), req)
	if err != nil {
		m.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc})
}

func (m *Module) handleShare(c *gin.Context) {
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	if relation := strings.TrimSpace(req.Relation); relation != "" && relation != policy.RelationViewer {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only the viewer relation can be shared"})
		return
	}

	principal := authorization.Principal(c)
	grantee := authorization.NormalizeEmail(req.Email)
	ctx := c.Request.Context()
	doc, err := m.service.Share(ctx, principal, c.Param("id"), grantee)
	if err != nil {
		m.writeError(c, err)
		return
	}

	response := gin.H{"document_id": doc.ID, "email": grantee, "relation": policy.RelationViewer}
	if m.notifier != nil && grantee != principal {
		if err := m.notifier.NotifyShared(ctx, doc, principal, grantee); err != nil {
			m.logger.Warn("share notification failed", "document_id", doc.ID, "error", err)
			response["warning"] = "failed to notify recipient"
		}
	}
	c.JSON(http.StatusOK, response)
}

func (m *Module) handleReindex(c *gin.Context) {
	_, result, err := m.service.Reindex(c.Request.Context(), authorization.Principal(c), c.Param("id"))
	if err != nil {
		m.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ingest": result})
}

func (m *Module) handleDelete(c *gin.Context) {
	if err := m.service.Delete(c.Request.Context(), authorization.Principal(c), c.Param("id")); err != nil {
		m.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (m *Module) writeError(c *gin.Context, err error) {
	status, message := m.classify(err)
	c.JSON(status, gin.H{"error": message})
}

func (m *Module) classify(err error) (int, string) {
	switch {
	case errors.Is(err, knowledge.ErrValidation):
		m.logger.Debug("rejected document request", "error", err)
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, knowledge.ErrForbidden):
		return http.StatusForbidden, "only the owner can do that"
	case errors.Is(err, knowledge.ErrNotFound):
		return http.StatusNotFound, "document not found"
	case errors.Is(err, knowledge.ErrNotIndexed):
		return http.StatusConflict, "document is not indexed yet, reindex it first"
	case errors.Is(err, knowledge.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable, "embedding service unavailable, try again later"
	case errors.Is(err, policy.ErrPolicyUnavailable):
		return http.StatusBadGateway, "authorization service unavailable"
	default:
		m.logger.Error("document request failed", "error", err)
		return http.StatusInternalServerError, "internal error"
	}
}
