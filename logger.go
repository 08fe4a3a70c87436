package cmdbus

// Logger is the leveled, key-value logger the bus writes to. *slog.Logger
// satisfies it; args follow the slog convention of alternating keys and
// values.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
