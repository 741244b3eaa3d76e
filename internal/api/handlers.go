package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ocrdrop/internal/intake"
	"ocrdrop/internal/logging"
	"ocrdrop/internal/models"
	"ocrdrop/internal/preview"
	"ocrdrop/internal/render"
	"ocrdrop/internal/session"
	"ocrdrop/internal/state"
	"ocrdrop/internal/worker"
)

const defaultMaxUploadBytes = 10 << 20

type WorkerManager interface {
	Submit(session string, sink worker.Sink, jobs []worker.Job) error
	Cancel(session, recordID string) bool
	Stop(session string)
}

// Handler wires HTTP routes to the per-session workspaces.
type Handler struct {
	sessions   *session.Service
	workspaces *session.Workspaces
	intake     *intake.Service
	previews   preview.Store
	workers    WorkerManager
	maxUpload  int64
	log        *zap.SugaredLogger
}

// NewHandler constructs a Handler instance.
func NewHandler(sessions *session.Service, workspaces *session.Workspaces, previews preview.Store, workers WorkerManager, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	return &Handler{
		sessions:   sessions,
		workspaces: workspaces,
		intake:     intake.NewService(previews),
		previews:   previews,
		workers:    workers,
		maxUpload:  maxUpload,
		log:        logging.Named("api"),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.healthz)

	app := router.Group("")
	app.Use(h.sessions.Middleware(), session.CSRFMiddleware())
	app.GET("/", h.page)

	api := app.Group("/api")
	api.GET("/images", h.listImages)
	api.POST("/images", h.uploadImages)
	api.GET("/images/:id", h.getImage)
	api.GET("/images/:id/text", h.imageText)
	api.GET("/images/:id/download", h.downloadText)
	api.GET("/images/:id/preview", h.imagePreview)
	api.DELETE("/images/:id", h.removeImage)
	api.PUT("/selection", h.selectImage)
	api.DELETE("/selection", h.deselectImage)
	api.GET("/events", h.events)
}

// Reap releases everything an expired session owns.
func (h *Handler) Reap(ctx context.Context, token string) {
	h.workers.Stop(token)
	store, ok := h.workspaces.Drop(token)
	if !ok {
		return
	}
	snap, _ := store.Snapshot()
	for _, r := range snap.Records {
		if err := h.previews.Delete(ctx, r.ID); err != nil {
			h.log.Warnw("delete preview failed", "id", r.ID, "error", err)
		}
	}
}

// workspace resolves the caller's store; Middleware guarantees a token.
func (h *Handler) workspace(c *gin.Context) (string, *state.Store, bool) {
	token, ok := session.TokenFromContext(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session missing"})
		return "", nil, false
	}
	return token, h.workspaces.Get(token), true
}

// record loads the :id record or writes a 404.
func (h *Handler) record(c *gin.Context) (string, *state.Store, models.ImageRecord, bool) {
	token, store, ok := h.workspace(c)
	if !ok {
		return "", nil, models.ImageRecord{}, false
	}
	rec, found := store.Get(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return "", nil, models.ImageRecord{}, false
	}
	return token, store, rec, true
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) page(c *gin.Context) {
	_, store, ok := h.workspace(c)
	if !ok {
		return
	}
	snap, version := store.Snapshot()
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := render.Page(c.Writer, snap, version, session.CSRFToken(c)); err != nil {
		h.log.Errorw("render page failed", "error", err)
	}
}

func (h *Handler) listImages(c *gin.Context) {
	_, store, ok := h.workspace(c)
	if !ok {
		return
	}
	snap, version := store.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"images":   snap.Records,
		"selected": snap.Selected,
		"version":  version,
	})
}

func (h *Handler) uploadImages(c *gin.Context) {
	token, store, ok := h.workspace(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	if err := c.Request.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	headers := c.Request.MultipartForm.File["files"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "files are required"})
		return
	}

	files := make([]intake.File, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read upload failed"})
			return
		}
		files = append(files, intake.File{
			Name:     fh.Filename,
			MIMEType: fh.Header.Get("Content-Type"),
			Data:     data,
		})
	}

	records, jobs, intakeErr := h.intake.Accept(c.Request.Context(), store, files)
	if err := h.workers.Submit(token, store, jobs); err != nil {
		h.log.Errorw("submit jobs failed", "error", err)
		for _, r := range records {
			store.Dispatch(state.Failed{ID: r.ID, Message: models.ErrorMessage})
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}
	if intakeErr != nil {
		h.log.Errorw("intake failed", "error", intakeErr)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store every image", "images": records})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"images": records})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *Handler) getImage(c *gin.Context) {
	_, _, rec, ok := h.record(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"image": rec,
		"html":  string(render.Markdown(rec.Text)),
	})
}

func (h *Handler) imageText(c *gin.Context) {
	_, _, rec, ok := h.record(c)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(rec.Text))
}

func (h *Handler) downloadText(c *gin.Context) {
	_, _, rec, ok := h.record(c)
	if !ok {
		return
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": models.DownloadName(rec.Name)})
	c.Header("Content-Disposition", disposition)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(rec.Text))
}

func (h *Handler) imagePreview(c *gin.Context) {
	_, _, rec, ok := h.record(c)
	if !ok {
		return
	}
	blob, err := h.previews.Get(c.Request.Context(), rec.ID)
	if err != nil {
		if errors.Is(err, preview.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
			return
		}
		h.log.Errorw("load preview failed", "id", rec.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load preview failed"})
		return
	}
	mimeType := blob.MIMEType
	if mimeType == "" {
		mimeType = rec.MimeType
	}
	c.Header("Cache-Control", "private, max-age=3600")
	c.Data(http.StatusOK, mimeType, blob.Data)
}

func (h *Handler) removeImage(c *gin.Context) {
	token, store, ok := h.workspace(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if !store.Dispatch(state.Removed{ID: id}) {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}
	h.workers.Cancel(token, id)
	if err := h.previews.Delete(c.Request.Context(), id); err != nil {
		h.log.Warnw("delete preview failed", "id", id, "error", err)
	}
	c.Status(http.StatusNoContent)
}

type selectionRequest struct {
	ID string `json:"id"`
}

func (h *Handler) selectImage(c *gin.Context) {
	_, store, ok := h.workspace(c)
	if !ok {
		return
	}
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if _, found := store.Get(req.ID); !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}
	store.Dispatch(state.Selected{ID: req.ID})
	c.Status(http.StatusNoContent)
}

func (h *Handler) deselectImage(c *gin.Context) {
	_, store, ok := h.workspace(c)
	if !ok {
		return
	}
	store.Dispatch(state.Deselected{})
	c.Status(http.StatusNoContent)
}
