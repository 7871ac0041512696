package handler

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/classdesk/classdesk-api/internal/dto"
	"github.com/classdesk/classdesk-api/internal/service"
	appErrors "github.com/classdesk/classdesk-api/pkg/errors"
	"github.com/classdesk/classdesk-api/pkg/response"
)

// AttachmentHandler exposes the version chain operations over HTTP.
type AttachmentHandler struct {
	service *service.AttachmentService
}

// NewAttachmentHandler constructs the handler.
func NewAttachmentHandler(svc *service.AttachmentService) *AttachmentHandler {
	return &AttachmentHandler{service: svc}
}

// Upload godoc
// @Summary Upload an attachment revision
// @Description Installs a new current revision in the chain. Pass contributorId to upload on behalf of a student.
// @Tags Attachments
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Subject ID"
// @Param file formData file true "File"
// @Param contributorId formData string false "Contributor for assisted uploads"
// @Success 201 {object} response.Envelope
// @Router /subjects/{id}/attachments [post]
func (h *AttachmentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "file is required"))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unable to read file"))
		return
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unable to read file"))
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	version, err := h.service.Upload(c.Request.Context(), claimsFromContext(c), service.UploadInput{
		SubjectID:     c.Param("id"),
		ContributorID: c.PostForm("contributorId"),
		Filename:      fileHeader.Filename,
		MimeType:      mimeType,
		Data:          data,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, version)
}

// Download godoc
// @Summary Download a version by id
// @Description Serves only current revisions; replaced and retired ids answer 404. Pass rename=true to prefix the contributor name.
// @Tags Attachments
// @Produce octet-stream
// @Param versionId path int true "Version ID"
// @Param rename query bool false "Prefix contributor name"
// @Success 200 {file} binary
// @Router /attachments/{versionId} [get]
func (h *AttachmentHandler) Download(c *gin.Context) {
	versionID, err := parseVersionID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	rename := strings.EqualFold(c.Query("rename"), "true")

	result, err := h.service.Download(c.Request.Context(), claimsFromContext(c), versionID, rename)
	if err != nil {
		response.Error(c, err)
		return
	}
	serveFile(c, result)
}

// Current godoc
// @Summary Resolve the current revision of a chain
// @Tags Attachments
// @Produce json
// @Param id path string true "Subject ID"
// @Param contributorId query string false "Contributor (defaults to self)"
// @Success 200 {object} response.Envelope
// @Router /subjects/{id}/attachments/current [get]
func (h *AttachmentHandler) Current(c *gin.Context) {
	version, err := h.service.Current(c.Request.Context(), claimsFromContext(c), c.Param("id"), c.Query("contributorId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, version, nil)
}

// History godoc
// @Summary Chain history with reviews
// @Tags Attachments
// @Produce json
// @Param id path string true "Subject ID"
// @Param contributorId query string false "Contributor (defaults to self)"
// @Success 200 {object} response.Envelope
// @Router /subjects/{id}/attachments/history [get]
func (h *AttachmentHandler) History(c *gin.Context) {
	history, err := h.service.History(c.Request.Context(), claimsFromContext(c), c.Param("id"), c.Query("contributorId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, history, nil)
}

// Retire godoc
// @Summary Delete a version and its dependent records
// @Tags Attachments
// @Produce json
// @Param versionId path int true "Version ID"
// @Success 200 {object} response.Envelope
// @Router /attachments/{versionId} [delete]
func (h *AttachmentHandler) Retire(c *gin.Context) {
	versionID, err := parseVersionID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	result, err := h.service.Retire(c.Request.Context(), claimsFromContext(c), versionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// SignedLink godoc
// @Summary Issue a short-lived signed download link
// @Tags Attachments
// @Produce json
// @Param versionId path int true "Version ID"
// @Success 200 {object} response.Envelope
// @Router /attachments/{versionId}/signed-link [post]
func (h *AttachmentHandler) SignedLink(c *gin.Context) {
	versionID, err := parseVersionID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	token, expiresAt, err := h.service.SignedLink(c.Request.Context(), claimsFromContext(c), versionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"token": token, "expires_at": expiresAt}, nil)
}

// DownloadSigned godoc
// @Summary Download via signed token
// @Tags Attachments
// @Produce octet-stream
// @Param token query string true "Signed token"
// @Success 200 {file} binary
// @Router /downloads/signed [get]
func (h *AttachmentHandler) DownloadSigned(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	result, err := h.service.DownloadSigned(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	serveFile(c, result)
}

// BulkArchive godoc
// @Summary Download every current submission of a subject as a zip
// @Tags Attachments
// @Produce octet-stream
// @Param id path string true "Subject ID"
// @Success 200 {file} binary
// @Router /subjects/{id}/attachments/archive [get]
func (h *AttachmentHandler) BulkArchive(c *gin.Context) {
	payload, filename, err := h.service.BulkArchive(c.Request.Context(), claimsFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/zip", payload)
}

// AttachReview godoc
// @Summary Attach a review comment and optional grading file to a version
// @Tags Attachments
// @Accept multipart/form-data
// @Produce json
// @Param versionId path int true "Version ID"
// @Param comment formData string true "Review comment"
// @Param grading formData file false "Grading file"
// @Success 201 {object} response.Envelope
// @Router /attachments/{versionId}/reviews [post]
func (h *AttachmentHandler) AttachReview(c *gin.Context) {
	versionID, err := parseVersionID(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	req := dto.CreateReviewRequest{
		VersionID: versionID,
		Comment:   c.PostForm("comment"),
	}

	var grading *service.GradingFile
	if fileHeader, err := c.FormFile("grading"); err == nil {
		file, err := fileHeader.Open()
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unable to read grading file"))
			return
		}
		data, err := io.ReadAll(file)
		file.Close() //nolint:errcheck
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unable to read grading file"))
			return
		}
		grading = &service.GradingFile{Filename: fileHeader.Filename, Data: data}
	}

	record, err := h.service.AttachReview(c.Request.Context(), claimsFromContext(c), req, grading)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, record)
}

// DownloadGrading godoc
// @Summary Download a review's grading file
// @Tags Attachments
// @Produce octet-stream
// @Param versionId path int true "Version ID"
// @Param reviewId path string true "Review ID"
// @Success 200 {file} binary
// @Router /attachments/{versionId}/reviews/{reviewId}/grading [get]
func (h *AttachmentHandler) DownloadGrading(c *gin.Context) {
	versionID, err := parseVersionID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	result, err := h.service.DownloadGrading(c.Request.Context(), claimsFromContext(c), versionID, c.Param("reviewId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	serveFile(c, result)
}

// CheckAccess godoc
// @Summary Report whether the actor may perform an operation
// @Tags Attachments
// @Produce json
// @Param id path string true "Subject ID"
// @Param op query string true "Operation"
// @Param contributorId query string false "Contributor (defaults to self)"
// @Success 200 {object} response.Envelope
// @Router /subjects/{id}/access [get]
func (h *AttachmentHandler) CheckAccess(c *gin.Context) {
	op := c.Query("op")
	if op == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "op is required"))
		return
	}
	result, err := h.service.CheckAccess(c.Request.Context(), claimsFromContext(c), c.Param("id"), service.ChainOp(op), c.Query("contributorId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

func parseVersionID(c *gin.Context) (int64, error) {
	raw := c.Param("versionId")
	versionID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || versionID <= 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "invalid version id")
	}
	return versionID, nil
}

func serveFile(c *gin.Context, result *service.DownloadResult) {
	c.Header("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	mime := result.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	c.Data(http.StatusOK, mime, result.Data)
}
