package telephony

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"outreach-platform/internal/jobs"
	"outreach-platform/internal/speech"
	"outreach-platform/pkg/logger"
)

// AudioOpener serves cached speech to the provider.
type AudioOpener interface {
	Open(ctx context.Context, fingerprint string) (io.ReadCloser, speech.Asset, error)
}

// WebhookHandler converts provider callbacks into gateway-callback jobs.
// It never mutates job or contact state directly; the callback workers do.
type WebhookHandler struct {
	Jobs  jobs.Store
	Audio AudioOpener
	URLs  URLs

	// CallbackSettle delays completed-call statuses so a digits callback
	// sent just before it is applied first.
	CallbackSettle      time.Duration
	CallbackMaxAttempts int

	ThankYou string
	NoInput  string

	Now func() time.Time
}

func (h WebhookHandler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

// Register mounts the webhook routes on g (already signature-checked by the
// caller) and the public media route on media.
func (h WebhookHandler) Register(g *gin.RouterGroup, media *gin.RouterGroup) {
	g.POST("/voice/answer", h.HandleAnswer)
	g.POST("/voice/gather", h.HandleGather)
	g.POST("/voice/status", h.HandleCallStatus)
	g.POST("/sms/status", h.HandleSMSStatus)
	g.POST("/sms/inbound", h.HandleInboundSMS)
	media.GET("/:fingerprint", h.HandleMedia)
}

// HandleAnswer returns the call instructions. Read-only.
func (h WebhookHandler) HandleAnswer(c *gin.Context) {
	log := logger.FromGin(c)
	jobID := c.Query("job")
	if jobID == "" || h.Jobs == nil {
		h.writeTwiML(c, mustTwiML(RenderSayHangup("", "")))
		return
	}

	j, err := h.Jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		log.Warn("answer for unknown job", "job_id", jobID, "err", err)
		h.writeTwiML(c, mustTwiML(RenderSayHangup("", "")))
		return
	}

	p := Prompt{
		Text:      j.Payload.Text,
		Voice:     j.Payload.Voice,
		GatherURL: h.URLs.Gather(j.ID),
		NoInput:   h.NoInput,
	}
	if c.Query("mode") == ModePlay && j.Payload.Fingerprint != "" {
		p.AudioURL = h.URLs.Media(j.Payload.Fingerprint)
	}
	out, err := RenderPrompt(p)
	if err != nil {
		log.Error("twiml render failed", "job_id", jobID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	h.writeTwiML(c, out)
}

func (h WebhookHandler) HandleGather(c *gin.Context) {
	form, err := ParseGather(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if !h.enqueue(c, form.Callback(c.Query("job"), h.now()), h.now()) {
		return
	}
	h.writeTwiML(c, mustTwiML(RenderSayHangup(h.ThankYou, "")))
}

func (h WebhookHandler) HandleCallStatus(c *gin.Context) {
	form, err := ParseStatusCallback(c.Request)
	if err != nil || form.CallSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	now := h.now()
	at := now
	if CallStatus(form.CallStatus) == CallStatusCompleted {
		at = now.Add(h.CallbackSettle)
	}
	if !h.enqueue(c, form.CallCallback(c.Query("job"), now), at) {
		return
	}
	c.Status(http.StatusNoContent)
}

func (h WebhookHandler) HandleSMSStatus(c *gin.Context) {
	form, err := ParseStatusCallback(c.Request)
	if err != nil || form.MessageSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if !h.enqueue(c, form.SMSCallback(c.Query("job"), h.now()), h.now()) {
		return
	}
	c.Status(http.StatusNoContent)
}

func (h WebhookHandler) HandleInboundSMS(c *gin.Context) {
	form, err := ParseInboundSMS(c.Request)
	if err != nil || form.From == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if !h.enqueue(c, form.Callback(h.now()), h.now()) {
		return
	}
	h.writeTwiML(c, mustTwiML(RenderEmpty()))
}

// HandleMedia serves a ready audio asset.
func (h WebhookHandler) HandleMedia(c *gin.Context) {
	if h.Audio == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	fp := strings.TrimSuffix(c.Param("fingerprint"), ".mp3")
	rc, a, err := h.Audio.Open(c.Request.Context(), fp)
	if errors.Is(err, speech.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("media open failed", "fingerprint", fp, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, a.SizeBytes, "audio/mpeg", rc, nil)
}

// CallbackKey collapses identical deliveries while the first is still open.
func CallbackKey(cb jobs.Callback) string {
	id := cb.ExternalID
	if id == "" {
		id = cb.JobID
	}
	return "cb:" + id + ":" + string(cb.Event) + ":" + cb.Status + cb.Digits + cb.Body
}

// CallbackJob wraps cb in a gateway-callback job.
func CallbackJob(cb jobs.Callback, maxAttempts int, availableAt time.Time) jobs.Job {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return jobs.Job{
		Kind:        jobs.KindCallback,
		Payload:     jobs.Payload{Callback: &cb},
		MaxAttempts: maxAttempts,
		AvailableAt: availableAt,
		DedupeKey:   CallbackKey(cb),
	}
}

func (h WebhookHandler) enqueue(c *gin.Context, cb jobs.Callback, availableAt time.Time) bool {
	log := logger.FromGin(c)
	if h.Jobs == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "job store not configured"})
		return false
	}
	out, err := h.Jobs.Enqueue(c.Request.Context(), CallbackJob(cb, h.CallbackMaxAttempts, availableAt))
	if err != nil {
		log.Error("callback enqueue failed", "event", cb.Event, "external_id", cb.ExternalID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return false
	}
	log.Info("callback queued",
		"event", cb.Event,
		"job_id", cb.JobID,
		"external_id", cb.ExternalID,
		"callback_job_id", out[0].ID,
	)
	return true
}

func (h WebhookHandler) writeTwiML(c *gin.Context, body string) {
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, body)
}

func mustTwiML(s string, err error) string {
	if err != nil {
		return xmlHeaderOnly
	}
	return s
}

const xmlHeaderOnly = `<?xml version="1.0" encoding="UTF-8"?>` + "\n<Response></Response>"
