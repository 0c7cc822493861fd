package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const minQuestionLength = 3

// SupportedAudioFormats lists the upload extensions the transcription
// provider accepts.
var SupportedAudioFormats = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true,
	".flac": true, ".ogg": true, ".webm": true, ".mp4": true,
}

// ValidateQuestion checks a user question before it enters the query
// pipeline.
func ValidateQuestion(q string) error {
	text := strings.TrimSpace(q)
	if text == "" {
		return NewValidationError("question", q, fmt.Errorf("%w: empty question", ErrInvalidInput))
	}
	if utf8.RuneCountInString(text) < minQuestionLength {
		return NewValidationError("question", text, fmt.Errorf("%w: question too short", ErrInvalidInput))
	}
	return nil
}

// ValidateAudioFilename checks the upload filename extension against the
// supported set.
func ValidateAudioFilename(filename string) error {
	idx := strings.LastIndexByte(filename, '.')
	if idx < 0 {
		return NewValidationError("filename", filename, ErrUnsupportedFormat)
	}
	ext := strings.ToLower(filename[idx:])
	if !SupportedAudioFormats[ext] {
		return NewValidationError("filename", filename, ErrUnsupportedFormat)
	}
	return nil
}

// ValidateTranscript checks the invariants the segmenter relies on: a
// non-empty word sequence with monotonic, well-formed time ranges.
func ValidateTranscript(t Transcript) error {
	if len(t.Words) == 0 {
		return NewValidationError("transcript", "", fmt.Errorf("%w: empty transcript", ErrInvalidInput))
	}
	var prevStart int64
	for i, w := range t.Words {
		if w.StartMS > w.EndMS {
			return NewValidationError("words", fmt.Sprintf("index %d", i),
				fmt.Errorf("%w: word start_ms after end_ms", ErrInvalidInput))
		}
		if w.StartMS < prevStart {
			return NewValidationError("words", fmt.Sprintf("index %d", i),
				fmt.Errorf("%w: word timings not monotonic", ErrInvalidInput))
		}
		prevStart = w.StartMS
	}
	return nil
}
