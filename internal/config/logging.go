package config

// LoggingConfig drives the slog handler stack built in internal/logging:
// an optional console sink plus an optional rotated-file sink.
type LoggingConfig struct {
	// Dir is where rotated log files land.
	Dir      string         `yaml:"dir"`
	Rotation RotationConfig `yaml:"rotation"`
	Console  SinkConfig     `yaml:"console"`
	File     SinkConfig     `yaml:"file"`
}

// RotationConfig bounds rotated files, in lumberjack's units (megabytes,
// file count, days).
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"`
	Compress   bool `yaml:"compress"`
}

// SinkConfig is one log output with its own threshold and format.
type SinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`  // debug, info, warn, error
	Format  string `yaml:"format"` // text or json
}

// DefaultLoggingConfig enables console output only; file output is opt-in
// for an operator CLI.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Dir: "logs",
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
		Console: SinkConfig{Enabled: true, Level: "info", Format: "text"},
		File:    SinkConfig{Level: "info", Format: "text"},
	}
}

// ApplyDefaults fills unset values. An entirely omitted console section
// keeps console output on; file output stays off unless enabled.
func (c *LoggingConfig) ApplyDefaults() {
	def := DefaultLoggingConfig()
	if c.Dir == "" {
		c.Dir = def.Dir
	}
	if c.Rotation.MaxSize == 0 {
		c.Rotation.MaxSize = def.Rotation.MaxSize
	}
	if c.Rotation.MaxBackups == 0 {
		c.Rotation.MaxBackups = def.Rotation.MaxBackups
	}
	if c.Rotation.MaxAge == 0 {
		c.Rotation.MaxAge = def.Rotation.MaxAge
	}

	if c.Console == (SinkConfig{}) {
		c.Console.Enabled = true
	}
	fillSink(&c.Console)
	fillSink(&c.File)
}

func fillSink(s *SinkConfig) {
	if s.Level == "" {
		s.Level = "info"
	}
	if s.Format == "" {
		s.Format = "text"
	}
}
