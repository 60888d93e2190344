package handlers

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/policy"
	"github.com/Yulian302/lfusys-services-uploads/services"
	"github.com/gin-gonic/gin"
)

// multipart framing allowance on top of the payload limit
const formOverhead = 1 << 20

type UploadHandler struct {
	uploads   services.UploadService
	files     services.FileService
	maxBody   int64
	staticDir string

	logger logging.Logger
}

func NewUploadHandler(
	uploads services.UploadService,
	files services.FileService,
	maxFileSize int64,
	staticDir string,
	l logging.Logger,
) *UploadHandler {
	return &UploadHandler{
		uploads:   uploads,
		files:     files,
		maxBody:   maxFileSize + formOverhead,
		staticDir: staticDir,
		logger:    l,
	}
}

// uploadForm carries the multipart fields besides the file itself. Chunk
// fields are pointers so that an absent field can be told from zero.
type uploadForm struct {
	OriginalName string `form:"original_name"`
	ChunkIndex   *int   `form:"chunk_index"`
	TotalChunks  *int   `form:"total_chunks"`
	FileSize     *int64 `form:"file_size"`
}

func (h *UploadHandler) Index(c *gin.Context) {
	if h.staticDir != "" {
		index := filepath.Join(h.staticDir, "index.html")
		if _, err := os.Stat(index); err == nil {
			c.File(index)
			return
		}
	}
	c.String(http.StatusOK, "upload server\n")
}

func (h *UploadHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)

	var form uploadForm
	if err := c.ShouldBind(&form); err != nil {
		h.rejectForm(c, form.OriginalName, err)
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		h.rejectForm(c, form.OriginalName, err)
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeError(c, h.logger, apperror.IO("open upload", err))
		return
	}
	defer f.Close()

	name := form.OriginalName
	if name == "" {
		name = fh.Filename
	}

	req := services.UploadRequest{
		OriginalName: name,
		Body:         f,
		ClientAddr:   c.ClientIP(),
	}
	if form.ChunkIndex != nil || form.TotalChunks != nil {
		req.Chunked = true
		req.ChunkIndex, req.TotalChunks = -1, 0
		if form.ChunkIndex != nil {
			req.ChunkIndex = *form.ChunkIndex
		}
		if form.TotalChunks != nil {
			req.TotalChunks = *form.TotalChunks
		}
	}
	if form.FileSize != nil {
		req.DeclaredSize = *form.FileSize
	}

	res, err := h.uploads.Upload(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// rejectForm records and answers a request whose form could not be read.
func (h *UploadHandler) rejectForm(c *gin.Context, name string, err error) {
	if name == "" {
		name = "multipart form"
	}
	writeError(c, h.logger, h.uploads.Reject(c.Request.Context(), c.ClientIP(), name, formError(err)))
}

// formError classifies multipart parsing failures.
func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperror.TooLarge(policy.RuleFileSizeExceeded, "request body too large")
	}
	if errors.Is(err, http.ErrMissingFile) {
		return apperror.Validation(policy.RuleInvalidChunkParams, "no file provided")
	}
	return apperror.Validation(policy.RuleInvalidChunkParams, "invalid upload form")
}

func (h *UploadHandler) ListFiles(c *gin.Context) {
	entries, err := h.files.ListFiles(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *UploadHandler) Download(c *gin.Context) {
	dl, err := h.files.OpenDownload(c.Request.Context(), c.Param("name"), c.ClientIP())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	defer dl.Body.Close()

	c.DataFromReader(http.StatusOK, dl.Size, dl.ContentType, dl.Body, map[string]string{
		"Content-Disposition": `attachment; filename="` + dl.Token + `.enc"`,
	})
}
