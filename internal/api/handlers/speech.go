package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leozw/voice-keypool/internal/orchestrator"
)

type VoiceSettings struct {
	Stability       *float64 `json:"stability"`
	SimilarityBoost *float64 `json:"similarity_boost"`
}

type SpeechRequest struct {
	UserKey       string         `json:"user_key"`
	Context       string         `json:"context"`
	SystemPrompt  string         `json:"system_prompt"`
	Model         string         `json:"model"`
	VoiceID       string         `json:"voice_id"`
	VoiceSettings *VoiceSettings `json:"voice_settings"`
}

func (h *Handler) GenerateSpeech(c *gin.Context) {
	var req SpeechRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body")
		return
	}

	in := orchestrator.Request{
		UserKey:      req.UserKey,
		ClientIP:     c.ClientIP(),
		Context:      req.Context,
		SystemPrompt: req.SystemPrompt,
		VoiceID:      req.VoiceID,
		Model:        req.Model,
	}
	if req.VoiceSettings != nil {
		in.Stability = req.VoiceSettings.Stability
		in.SimilarityBoost = req.VoiceSettings.SimilarityBoost
	}

	res, err := h.speech.Generate(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, "Speech generation failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"request_id":         res.RequestID,
		"speech_text":        res.SpeechText,
		"audio_data":         base64.StdEncoding.EncodeToString(res.Audio),
		"processing_time_ms": res.ProcessingTime.Milliseconds(),
		"speeches_remaining": res.SpeechesRemaining,
		"tier":               res.Tier,
	})
}
