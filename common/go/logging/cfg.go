package logging

import "go.uber.org/zap/zapcore"

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
	// File, when set, duplicates the log stream into a rotated file.
	File *FileConfig `yaml:"file"`
}

// FileConfig configures the rotated log file.
type FileConfig struct {
	// Path is the log file path.
	Path string `yaml:"path"`
	// MaxSizeMB is the size in megabytes after which the file is rotated.
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `yaml:"max_backups"`
	// MaxAgeDays is the number of days to keep rotated files.
	MaxAgeDays int `yaml:"max_age_days"`
	// Compress enables gzip compression of rotated files.
	Compress bool `yaml:"compress"`
}
