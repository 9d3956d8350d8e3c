package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/secforge/plugrun/logging/logger"
)

// Logger logger config struct
type Logger struct {
	Level      int
	Format     string
	Output     string
	OutputFile string
}

func getLoggerConfig(v *viper.Viper) *Logger {
	return &Logger{
		Level:      v.GetInt("logger.level"),
		Format:     v.GetString("logger.format"),
		Output:     v.GetString("logger.output"),
		OutputFile: v.GetString("logger.output_file"),
	}
}

// Validate checks the logger section
func (l *Logger) Validate() error {
	switch l.Format {
	case "json", "text", "":
	default:
		return fmt.Errorf("logger.format must be json or text, got %q", l.Format)
	}
	switch l.Output {
	case "stdout", "stderr", "":
	case "file":
		if l.OutputFile == "" {
			return fmt.Errorf("logger.output_file is required when logger.output is file")
		}
	default:
		return fmt.Errorf("logger.output must be stdout, stderr or file, got %q", l.Output)
	}
	return nil
}

// LoggerConfig converts the section into the logger package's config
func (l *Logger) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      l.Level,
		Format:     l.Format,
		Output:     l.Output,
		OutputFile: l.OutputFile,
	}
}
