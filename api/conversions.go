package api

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"convertapi/admission"
	apperrors "convertapi/errors"
	"convertapi/models"
	"convertapi/services"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	// multipartSlack covers form fields and boundaries around the file.
	multipartSlack = 1 << 20
)

// JobView is the JSON form of a conversion job.
type JobView struct {
	ID              uuid.UUID  `json:"id"`
	Status          string     `json:"status"`
	SourceFormat    string     `json:"sourceFormat"`
	TargetFormat    string     `json:"targetFormat"`
	InputFileName   string     `json:"inputFileName"`
	OutputFileName  *string    `json:"outputFileName"`
	OutputSize      int        `json:"outputSize,omitempty"`
	StorageLocation string     `json:"storageLocation,omitempty"`
	ErrorMessage    *string    `json:"errorMessage"`
	CallbackURL     string     `json:"callbackUrl,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt"`
	DownloadURL     string     `json:"downloadUrl,omitempty"`
}

func newJobView(s models.JobSnapshot) JobView {
	v := JobView{
		ID:            s.ID,
		Status:        string(s.Status),
		SourceFormat:  s.SourceFormat,
		TargetFormat:  s.TargetFormat,
		InputFileName: s.InputFileName,
		OutputSize:    s.OutputSize,
		CallbackURL:   s.CallbackURL,
		CreatedAt:     s.CreatedAt,
		CompletedAt:   s.CompletedAt,
	}
	if s.OutputFileName != "" {
		name := s.OutputFileName
		v.OutputFileName = &name
	}
	if s.ErrorMessage != "" {
		msg := s.ErrorMessage
		v.ErrorMessage = &msg
	}
	if s.Status == models.JobStatusCompleted {
		v.StorageLocation = string(s.StorageLocation)
		v.DownloadURL = "/api/v1/conversions/" + s.ID.String() + "/download"
	}
	return v
}

type uploadForm struct {
	document     services.Document
	sourceFormat string
	targetFormat string
	callbackURL  string
}

func (s *Server) readUpload(c *gin.Context) (uploadForm, error) {
	if s.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadBytes+multipartSlack)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return uploadForm{}, apperrors.Wrap(err, apperrors.CodeInvalidRequestFile, "multipart field \"file\" is required", http.StatusBadRequest)
	}
	f, err := fh.Open()
	if err != nil {
		return uploadForm{}, apperrors.Wrap(err, apperrors.CodeInvalidRequestFile, "could not read uploaded file", http.StatusBadRequest)
	}
	defer f.Close()

	var r io.Reader = f
	if s.maxUploadBytes > 0 {
		// One byte past the limit is enough for validation to reject it.
		r = io.LimitReader(f, s.maxUploadBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return uploadForm{}, apperrors.Wrap(err, apperrors.CodeInvalidRequestFile, "could not read uploaded file", http.StatusBadRequest)
	}

	name := filepath.Base(fh.Filename)
	source := c.PostForm("sourceFormat")
	if source == "" {
		source = strings.TrimPrefix(filepath.Ext(name), ".")
	}
	target := c.PostForm("targetFormat")
	if target == "" {
		return uploadForm{}, apperrors.BadRequest(apperrors.CodeValidationFailed, "targetFormat is required")
	}

	contentType := fh.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}

	return uploadForm{
		document:     services.Document{FileName: name, ContentType: contentType, Data: data},
		sourceFormat: source,
		targetFormat: target,
		callbackURL:  c.PostForm("callbackUrl"),
	}, nil
}

// CreateConversion handles POST /conversions.
func (s *Server) CreateConversion(c *gin.Context) {
	s.createConversion(c, false)
}

// CreateAsyncConversion handles POST /conversions/async.
func (s *Server) CreateAsyncConversion(c *gin.Context) {
	if s.queue == nil {
		_ = c.Error(apperrors.New("Conversion.AsyncUnavailable", "asynchronous conversions are not enabled", http.StatusServiceUnavailable))
		return
	}
	s.createConversion(c, true)
}

func (s *Server) createConversion(c *gin.Context, async bool) {
	ctx := c.Request.Context()
	userID := GetUserID(ctx)

	form, err := s.readUpload(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	job, err := models.NewConversionJob(userID, form.sourceFormat, form.targetFormat, form.document.FileName, form.callbackURL)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := s.processor.Supports(job.SourceFormat(), job.TargetFormat()); err != nil {
		_ = c.Error(err)
		return
	}

	req := admission.Request{
		UserID:  userID,
		IsAdmin: IsAdmin(ctx),
		Period:  models.PeriodOf(s.now().UTC()),
		Bytes:   int64(len(form.document.Data)),
	}

	var snap models.JobSnapshot
	err = s.chain.Run(ctx, req, func(ctx context.Context, _ admission.Request) error {
		var err error
		if async {
			snap, err = s.processor.Stage(ctx, job, form.document, s.queue)
			return err
		}
		if err := s.processor.Create(ctx, job); err != nil {
			return err
		}
		snap, err = s.processor.Run(ctx, job, form.document)
		return err
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusOK
	if async {
		status = http.StatusAccepted
	}
	c.JSON(status, newJobView(snap))
}

// ListConversions handles GET /conversions.
func (s *Server) ListConversions(c *gin.Context) {
	ctx := c.Request.Context()

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, fmt.Sprintf("limit must be between 1 and %d", maxListLimit)))
			return
		}
		limit = n
	}

	jobs, err := s.processor.Jobs().ListByUser(ctx, GetUserID(ctx), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	items := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, newJobView(job.Snapshot()))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetConversion handles GET /conversions/:id.
func (s *Server) GetConversion(c *gin.Context) {
	job, ok := s.loadOwnedJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newJobView(job.Snapshot()))
}

// DownloadConversion handles GET /conversions/:id/download.
func (s *Server) DownloadConversion(c *gin.Context) {
	job, ok := s.loadOwnedJob(c)
	if !ok {
		return
	}
	if job.Status() != models.JobStatusCompleted {
		_ = c.Error(apperrors.NotFound(apperrors.CodeOutputNotFound, "conversion is "+string(job.Status())+", no output available"))
		return
	}

	data, err := s.processor.Output(c.Request.Context(), job)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": job.OutputFileName()}))
	c.Data(http.StatusOK, "application/pdf", data)
}

// loadOwnedJob resolves :id for the caller. Jobs of other users look like
// missing jobs unless the caller is an admin.
func (s *Server) loadOwnedJob(c *gin.Context) (*models.ConversionJob, bool) {
	ctx := c.Request.Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid job id"))
		return nil, false
	}

	job, err := s.processor.Jobs().Get(ctx, id)
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	if job.UserID() != GetUserID(ctx) && !IsAdmin(ctx) {
		_ = c.Error(apperrors.ErrJobNotFound(id.String()))
		return nil, false
	}
	return job, true
}
