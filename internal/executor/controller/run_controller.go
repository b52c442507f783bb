// Package controller exposes the run dispatcher over HTTP.
package controller

import (
	"context"
	"errors"
	"net/http"

	"runbox/internal/executor/sandbox"
	"runbox/internal/executor/sandbox/profile"
	"runbox/internal/executor/sandbox/reporter"
	"runbox/internal/executor/sandbox/result"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultMaxBodyBytes = 4 << 20
	msgRateLimited      = "rate limit exceeded"
)

// Dispatcher runs one request end to end.
type Dispatcher interface {
	Run(ctx context.Context, req sandbox.RunRequest) (sandbox.Outcome, error)
	Languages() []profile.LanguageSpec
}

// RunRequest is the POST /run body.
type RunRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin"`
}

// LanguageView is one entry of GET /languages.
type LanguageView struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases,omitempty"`
	Compiled bool     `json:"compiled"`
}

// RunController handles run requests.
type RunController struct {
	dispatcher   Dispatcher
	maxBodyBytes int64
}

// NewRunController creates a new controller. maxBodyBytes <= 0 uses the default cap.
func NewRunController(dispatcher Dispatcher, maxBodyBytes int64) *RunController {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &RunController{dispatcher: dispatcher, maxBodyBytes: maxBodyBytes}
}

// Run executes the submitted source and always answers with {output, error, status}.
func (h *RunController) Run(c *gin.Context) {
	ctx := c.Request.Context()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)

	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = appErr.Wrapf(err, appErr.CodeTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
		} else {
			err = appErr.Wrapf(err, appErr.InvalidParams, "invalid request body")
		}
		h.write(c, sandbox.Outcome{}, err)
		return
	}

	out, err := h.dispatcher.Run(ctx, sandbox.RunRequest{
		Language:   req.Language,
		SourceCode: req.Code,
		Stdin:      req.Stdin,
	})
	h.write(c, out, err)
}

// Languages lists the configured languages.
func (h *RunController) Languages(c *gin.Context) {
	langs := h.dispatcher.Languages()
	views := make([]LanguageView, 0, len(langs))
	for _, lang := range langs {
		views = append(views, LanguageView{
			ID:       lang.ID,
			Name:     lang.Name,
			Aliases:  lang.Aliases,
			Compiled: lang.CompileEnabled(),
		})
	}
	response.Success(c, views)
}

// RejectRateLimited writes the run response for a request turned away by the rate limiter.
func (h *RunController) RejectRateLimited(c *gin.Context, err error) {
	logger.Debug(c.Request.Context(), "run request rate limited", zap.Error(err))
	c.JSON(http.StatusTooManyRequests, result.RunResponse{
		Status: result.StatusResourceExceeded,
		Error:  msgRateLimited,
	})
}

func (h *RunController) write(c *gin.Context, out sandbox.Outcome, err error) {
	resp, status := reporter.Report(c.Request.Context(), out, err)
	c.JSON(status, resp)
}
