package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"clawd/internal/logging"
)

// GroqTranscriber turns voice-message audio into text via Groq's
// whisper endpoint.
type GroqTranscriber struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	log     *logging.Logger
}

// NewGroqTranscriber builds the adapter. model defaults to the large
// whisper variant.
func NewGroqTranscriber(apiKey, model string) *GroqTranscriber {
	if model == "" {
		model = "whisper-large-v3"
	}
	return &GroqTranscriber{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.groq.com/openai/v1",
		http:    &http.Client{Timeout: 60 * time.Second},
		log:     logging.Get(logging.CategoryAdapters),
	}
}

// Transcribe uploads the audio file at audioRef and returns its text.
func (t *GroqTranscriber) Transcribe(ctx context.Context, audioRef string) (string, error) {
	f, err := os.Open(audioRef)
	if err != nil {
		return "", fmt.Errorf("open audio %s: %w", audioRef, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(audioRef))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	if err := mw.WriteField("model", t.model); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("groq transcription: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("groq transcription: status %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	t.log.Debug("transcribed %s (%d chars)", filepath.Base(audioRef), len(out.Text))
	return out.Text, nil
}
