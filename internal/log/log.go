package log

import "log/slog"

func FlowID[T ~string](id T) slog.Attr {
	return slog.String("flow_id", string(id))
}

func StepID[T ~string](id T) slog.Attr {
	return slog.String("step_id", string(id))
}

func Strategy[T ~string](kind T) slog.Attr {
	return slog.String("strategy", string(kind))
}

func Outcome(o interface{ String() string }) slog.Attr {
	return slog.String("outcome", o.String())
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

func ErrorString(msg string) slog.Attr {
	return slog.String("error", msg)
}

// OrDefault returns l, or the process default logger when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
