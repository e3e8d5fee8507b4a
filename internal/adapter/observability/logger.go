package observability

import (
	"log/slog"
	"os"

	"github.com/gradelab/gpuqueue/internal/config"
)

// SetupLogger builds the process-wide JSON slog logger. The level comes from
// LOG_LEVEL when set; otherwise dev runs at debug and everything else at
// info. Service and environment fields ride on every record.
func SetupLogger(cfg config.Config) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg)})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}

func logLevel(cfg config.Config) slog.Level {
	if cfg.LogLevel != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
			return lvl
		}
	}
	if cfg.IsDev() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
