package logging

import (
	"log/slog"
	"time"
)

// Field names shared by every binary so log queries work across services.
const (
	FieldService    = "service"
	FieldRequestID  = "request_id"
	FieldEventID    = "event_id"
	FieldIdentityID = "identity_id"
	FieldChannelRef = "channel_ref"
	FieldAttempt    = "attempt"
	FieldOutboxID   = "outbox_id"
	FieldMode       = "mode"
	FieldWorker     = "worker"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

func IdentityID(id int64) slog.Attr {
	return slog.Int64(FieldIdentityID, id)
}

func ChannelRef(id int64) slog.Attr {
	return slog.Int64(FieldChannelRef, id)
}

// Attempt is the queue attempt counter of a job.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

func OutboxID(id string) slog.Attr {
	return slog.String(FieldOutboxID, id)
}

func Mode(mode string) slog.Attr {
	return slog.String(FieldMode, mode)
}

// Worker tags records with the consumer loop that produced them.
func Worker(tag string) slog.Attr {
	return slog.String(FieldWorker, tag)
}

func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration reports d in whole milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns an attribute for err. A nil error yields an empty string value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
