package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
)

// Clip is synthesized audio.
type Clip struct {
	Text        string
	ContentType string
	Data        []byte
}

// Synthesizer turns text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Clip, error)
}

// Player plays a clip.
type Player interface {
	Play(ctx context.Context, clip *Clip) error
}

// ElevenLabs implements Synthesizer against the ElevenLabs text-to-speech API.
type ElevenLabs struct {
	baseURL    string
	apiKey     string
	voiceID    string
	modelID    string
	httpClient *http.Client
	logger     *logrus.Logger
}

type synthesisRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

// NewElevenLabs creates the text-to-speech client.
func NewElevenLabs(cfg config.SpeechConfig, logger *logrus.Logger) (*ElevenLabs, error) {
	if cfg.APIKey == "" || cfg.VoiceID == "" {
		return nil, fmt.Errorf("speech api key and voice id are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ElevenLabs{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		voiceID:    cfg.VoiceID,
		modelID:    cfg.ModelID,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (*Clip, error) {
	body, err := json.Marshal(synthesisRequest{Text: text, ModelID: e.modelID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s", e.baseURL, e.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speech api error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}

	e.logger.WithFields(logrus.Fields{
		"voice": e.voiceID,
		"bytes": len(data),
	}).Debug("Speech synthesized")

	return &Clip{Text: text, ContentType: contentType, Data: data}, nil
}

// FilePlayer writes clips to a directory for an external player to pick up.
type FilePlayer struct {
	dir    string
	now    func() time.Time
	logger *logrus.Logger
}

func NewFilePlayer(dir string, logger *logrus.Logger) *FilePlayer {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "twitch-bot-speech")
	}
	return &FilePlayer{dir: dir, now: time.Now, logger: logger}
}

func (p *FilePlayer) Play(_ context.Context, clip *Clip) error {
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return fmt.Errorf("failed to create speech directory: %w", err)
	}
	ext := ".mp3"
	if strings.Contains(clip.ContentType, "wav") {
		ext = ".wav"
	}
	path := filepath.Join(p.dir, p.now().Format("20060102-150405.000")+ext)
	if err := os.WriteFile(path, clip.Data, 0644); err != nil {
		return fmt.Errorf("failed to write clip: %w", err)
	}
	p.logger.WithField("path", path).Info("Speech clip written")
	return nil
}

// Speaker synthesizes and plays text in the background. Failures are
// logged and never reach the caller.
type Speaker struct {
	synth  Synthesizer
	player Player
	wg     sync.WaitGroup
	logger *logrus.Logger
}

func NewSpeaker(synth Synthesizer, player Player, logger *logrus.Logger) *Speaker {
	return &Speaker{synth: synth, player: player, logger: logger}
}

// Speak starts synthesis and playback and returns immediately.
func (s *Speaker) Speak(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		clip, err := s.synth.Synthesize(ctx, text)
		if err != nil {
			s.logger.WithError(err).Error("Speech synthesis failed")
			return
		}
		if err := s.player.Play(ctx, clip); err != nil {
			s.logger.WithError(err).Error("Speech playback failed")
		}
	}()
}

// Wait blocks until every started clip has been handled.
func (s *Speaker) Wait() {
	s.wg.Wait()
}
