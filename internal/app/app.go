package app

import (
	"log/slog"
	"os"
	"strings"

	"github.com/S1riyS/naivefs/internal/config"
	"github.com/S1riyS/naivefs/internal/repository"
	"github.com/S1riyS/naivefs/internal/service"
	"github.com/S1riyS/naivefs/internal/storage/engine"
	"github.com/S1riyS/naivefs/pkg/logging/slogpretty"
)

// App holds the dependencies shared by the commands.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Volumes repository.FilesystemRepository
	Service service.FileSystemService
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	opts := []engine.Option{engine.WithLogger(logger)}
	if cfg.Storage.MaxOpenFiles > 0 {
		opts = append(opts, engine.WithFilenoTableSize(cfg.Storage.MaxOpenFiles))
	}

	fsRepo := repository.NewFilesystemRepository(cfg.Storage.DataDir, opts...)
	return &App{
		Config:  cfg,
		Logger:  logger,
		Volumes: fsRepo,
		Service: service.NewFileSystemService(
			fsRepo,
			repository.NewInodeRepository(fsRepo),
			repository.NewDirectoryRepository(fsRepo),
			repository.NewContentRepository(fsRepo),
		),
	}
}

func SetupPrettySlog(level string) *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: parseLevel(level),
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
