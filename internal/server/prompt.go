package server

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"goa.design/clue/log"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/orchestrator"
)

const (
	msgRequired = "This field is required."
	msgBlank    = "This field may not be blank."
	msgTooLong  = "Ensure this field has no more than %s characters."
)

// promptRequest is bound from the query string (GET) or a JSON body (POST).
// Pointers tell an absent field from an empty one.
type promptRequest struct {
	Prompt    *string `form:"prompt" json:"prompt" binding:"required,notblank"`
	ModelID   *string `form:"model_id" json:"model_id" binding:"required,notblank"`
	SessionID *string `form:"session_id" json:"session_id" binding:"required,notblank"`
}

type stopRequest struct {
	SessionID string `json:"session_id" binding:"required,notblank"`
}

var (
	validationOnce sync.Once
	validate       *validator.Validate
)

// setupValidation teaches gin's validator the notblank tag and to report
// fields by their wire names.
func setupValidation() {
	validationOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("notblank", validators.NotBlank)
		validate = v
	})
}

// fieldErrors renders validation failures keyed by field name. ok is false
// when err is not a validation error.
func fieldErrors(err error) (errs map[string][]string, ok bool) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, false
	}
	errs = map[string][]string{}
	for _, fe := range verrs {
		errs[fe.Field()] = append(errs[fe.Field()], fieldMessage(fe))
	}
	return errs, true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return msgRequired
	case "notblank":
		return msgBlank
	case "max":
		return fmt.Sprintf(msgTooLong, fe.Param())
	}
	return fe.Error()
}

// bindPrompt binds and validates the request. A non-nil detail means the
// body could not be parsed; a non-nil errs holds per-field messages.
func (s *Server) bindPrompt(c *gin.Context) (req promptRequest, errs map[string][]string, detail error) {
	if err := c.ShouldBind(&req); err != nil {
		var ok bool
		if errs, ok = fieldErrors(err); !ok {
			return req, nil, err
		}
	}
	if req.Prompt != nil && errs["prompt"] == nil && validate != nil {
		rule := "max=" + strconv.Itoa(s.cfg.PromptMaxLength)
		if verrs, ok := fieldErrors(validate.Var(*req.Prompt, rule)); ok {
			if errs == nil {
				errs = map[string][]string{}
			}
			for _, msgs := range verrs {
				errs["prompt"] = append(errs["prompt"], msgs...)
			}
		}
	}
	return req, errs, nil
}

// handlePrompt validates the request, starts the run and streams its
// envelopes until the run ends or the client leaves. Starting a run for a
// session that is still running cancels the older run.
func (s *Server) handlePrompt(c *gin.Context) {
	raw, errs, detail := s.bindPrompt(c)
	if detail != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "JSON parse error - " + detail.Error()})
		return
	}
	if errs != nil {
		c.JSON(http.StatusBadRequest, errs)
		return
	}
	req := orchestrator.Request{
		Prompt:    strings.TrimSpace(*raw.Prompt),
		ModelID:   strings.TrimSpace(*raw.ModelID),
		SessionID: strings.TrimSpace(*raw.SessionID),
	}

	ctx := c.Request.Context()
	frames, h := s.deps.Streams.Start(ctx, req)
	log.Print(ctx, log.KV{K: "msg", V: "stream opened"}, log.KV{K: "session_id", V: req.SessionID}, log.KV{K: "run_id", V: h.RunID})

	w := c.Writer
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for f := range frames {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", f.Data); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "client went away"}, log.KV{K: "session_id", V: req.SessionID})
			return
		}
		w.Flush()
	}
	log.Print(ctx, log.KV{K: "msg", V: "stream closed"}, log.KV{K: "session_id", V: req.SessionID})
}

// handleStop cancels the live run of a session.
func (s *Server) handleStop(c *gin.Context) {
	var body stopRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		if _, ok := fieldErrors(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := strings.TrimSpace(body.SessionID)
	ctx := c.Request.Context()
	if !s.deps.Sessions.Cancel(id) {
		log.Warn(ctx, log.KV{K: "msg", V: "no running task to stop"}, log.KV{K: "session_id", V: id})
		c.JSON(http.StatusNotFound, gin.H{"error": "No running task found for this session"})
		return
	}
	log.Print(ctx, log.KV{K: "msg", V: "cancellation requested"}, log.KV{K: "session_id", V: id})
	c.JSON(http.StatusOK, gin.H{"status": "cancellation signal sent"})
}
