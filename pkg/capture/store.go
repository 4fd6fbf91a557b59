package capture

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Artifacts are the files written for one finalized call
type Artifacts struct {
	WAVPath      string
	MetadataPath string
}

// Store persists finalized captures to a directory
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a store rooted at dir; the directory is created on first save
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// Dir returns the output directory
func (s *Store) Dir() string {
	return s.dir
}

// Save writes <callID>_<YYYYMMDD_HHMMSS>.wav and the matching _meta.json.
// The timestamp is the finalization instant.
func (s *Store) Save(rec *Recording, meta *Metadata) (Artifacts, error) {
	if rec == nil || meta == nil {
		return Artifacts{}, fmt.Errorf("nothing to save: capture not finalized")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Artifacts{}, fmt.Errorf("failed to create recordings dir: %w", err)
	}

	stem := fmt.Sprintf("%s_%s", sanitizeCallID(meta.CallID), meta.EndedAt().Format("20060102_150405"))
	out := Artifacts{
		WAVPath:      filepath.Join(s.dir, stem+".wav"),
		MetadataPath: filepath.Join(s.dir, stem+"_meta.json"),
	}

	wav, err := rec.WAV()
	if err != nil {
		return Artifacts{}, fmt.Errorf("failed to encode recording: %w", err)
	}
	if err := os.WriteFile(out.WAVPath, wav, 0o644); err != nil {
		return Artifacts{}, fmt.Errorf("failed to write recording: %w", err)
	}

	doc, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Artifacts{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(out.MetadataPath, doc, 0o644); err != nil {
		return Artifacts{}, fmt.Errorf("failed to write metadata: %w", err)
	}

	s.logger.Info("capture saved",
		"callID", meta.CallID,
		"wav", out.WAVPath,
		"metadata", out.MetadataPath,
		"recordingSeconds", meta.RecordingSeconds)

	return out, nil
}

func sanitizeCallID(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
