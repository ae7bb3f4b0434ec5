package job

import (
	"errors"
	"fmt"
	"jobmonitor/internal/apperrors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Pipeline modes understood by the backend.
const (
	ModeViral = "viral"
	ModeStory = "story"
)

// Config is the record submitted to POST /start-job. It holds only value
// fields so a copy taken at submission time is never affected by later edits.
type Config struct {
	Mode           string  `json:"mode" yaml:"mode" validate:"required"`
	URL            string  `json:"url,omitempty" yaml:"url"`
	AudioPath      string  `json:"audio_path,omitempty" yaml:"audio_path"`
	Script         string  `json:"script,omitempty" yaml:"script"`
	LLMProvider    string  `json:"llm_provider" yaml:"llm_provider"`
	Topic          string  `json:"topic,omitempty" yaml:"topic"`
	BackgroundBlur int     `json:"background_blur" yaml:"background_blur"`
	FaceTracking   bool    `json:"face_tracking" yaml:"face_tracking"`
	MusicVolume    float64 `json:"music_volume" yaml:"music_volume"`
	SubtitleColor  string  `json:"subtitle_color" yaml:"subtitle_color"`
	DryRun         bool    `json:"dry_run" yaml:"dry_run"`
	Platform       string  `json:"platform" yaml:"platform"`
}

// DefaultConfig returns a config carrying the backend's defaults. Mode and
// the source locator are left for the caller.
func DefaultConfig() Config {
	return Config{
		LLMProvider:    "openai",
		BackgroundBlur: 20,
		FaceTracking:   true,
		MusicVolume:    0.1,
		SubtitleColor:  "#FFFF00",
		Platform:       "youtube",
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate applies the checks the backend itself enforces: a mode must be
// present, viral jobs need a URL and story jobs an audio path. Other fields
// are passed through as-is and left for the backend to judge.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return apperrors.Validation(fe.Field(), fieldMessage(fe))
		}
		return apperrors.Internal("validate job config", err)
	}

	switch c.Mode {
	case ModeViral:
		if strings.TrimSpace(c.URL) == "" {
			return apperrors.Validation("url", "URL is required for Viral Mode.")
		}
	case ModeStory:
		if strings.TrimSpace(c.AudioPath) == "" {
			return apperrors.Validation("audio_path", "Audio file path is required for Story Mode.")
		}
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	if fe.Tag() == "required" {
		return fmt.Sprintf("%s is required", fe.Field())
	}
	return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
}
