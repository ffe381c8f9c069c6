package speech

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("speech: asset not found")

	// ErrNotReady means another process holds the generation lock and the
	// asset did not appear within the peer wait.
	ErrNotReady = errors.New("speech: asset not ready")
)

type AssetStatus string

const (
	AssetReady AssetStatus = "ready"

	// AssetFailed marks the fallback flag: calls use provider-side speech.
	AssetFailed AssetStatus = "failed"
)

// Asset is one cached synthesized audio file. At most one per fingerprint.
type Asset struct {
	Fingerprint string      `json:"fingerprint"`
	StoragePath string      `json:"storage_path,omitempty"`
	Status      AssetStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	SizeBytes   int64       `json:"size_bytes"`
	GeneratedAt time.Time   `json:"generated_at"`
	LastUsedAt  time.Time   `json:"last_used_at"`
}

func (a Asset) Ready() bool { return a.Status == AssetReady }

// Request identifies the speech to render.
type Request struct {
	Text     string
	Voice    string
	Speed    float64
	Provider string
}

func (r Request) Fingerprint() string {
	return Fingerprint(r.Text, r.Voice, r.Speed, r.Provider)
}

// Fingerprint is the content hash of a synthesis request.
// Speed is normalized to three decimals so 1 and 1.0 hash alike.
func Fingerprint(text, voice string, speed float64, provider string) string {
	parts := []string{
		strings.TrimSpace(text),
		strings.ToLower(strings.TrimSpace(voice)),
		strconv.FormatFloat(speed, 'f', 3, 64),
		strings.ToLower(strings.TrimSpace(provider)),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
