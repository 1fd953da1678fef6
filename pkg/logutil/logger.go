package logutil

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

const (
	attrTopic = "topic"
)

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

const (
	colorBlueIntense      = 12
	colorRedIntense       = 9
	colorLightBlueIntense = 14
	colorIndigoIntense    = 13
	colorGreenIntense     = 10
)

func WithTopic(logger *slog.Logger, topic string) *slog.Logger {
	return logger.With(attrTopic, topic)
}

func init() {
	w := os.Stderr

	// Set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      LevelTrace,
			TimeFormat: time.Kitchen,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == slog.LevelKey {
					level := attr.Value.Any().(slog.Level)
					switch {
					case level < LevelDebug:
						attr.Value = slog.StringValue("TRACE")
					}
				}

				if attr.Key == attrTopic {
					switch attr.Value.String() {
					case "certificate":
						return tint.Attr(colorGreenIntense, attr)
					case "secret":
						return tint.Attr(colorIndigoIntense, attr)
					case "api_key_rotation":
						return tint.Attr(colorRedIntense, attr)
					case "host_config":
						return tint.Attr(colorBlueIntense, attr)
					case "reprovision":
						return tint.Attr(colorLightBlueIntense, attr)
					}
				}
				return attr
			},
		}),
	))
}
