package notify

import "strings"

// Level classifies a notification. Ordering matters: Telegram delivery is
// gated on a minimum level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelSuccess
	LevelWarning
	LevelError
	LevelHighlight
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelSuccess:
		return "SUCCESS"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelHighlight:
		return "HIGHLIGHT"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config string to a Level, case-insensitively.
// Unknown strings yield LevelInfo and ok=false.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "SUCCESS":
		return LevelSuccess, true
	case "WARNING", "WARN":
		return LevelWarning, true
	case "ERROR":
		return LevelError, true
	case "HIGHLIGHT":
		return LevelHighlight, true
	default:
		return LevelInfo, false
	}
}

func prefixForLevel(l Level) string {
	switch l {
	case LevelSuccess:
		return "✅ "
	case LevelWarning:
		return "⚠️ "
	case LevelError:
		return "🚨 "
	case LevelHighlight:
		return "✨ "
	default:
		return ""
	}
}
