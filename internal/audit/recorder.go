package audit

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-sonoff/internal/command"
)

// writeTimeout bounds a single log insert.
const writeTimeout = 2 * time.Second

// Logger is the subset of logging.Logger the recorder uses.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Commander accepts decoded commands. *account.Account satisfies it.
type Commander interface {
	Submit(deviceID string, req command.Request) (int64, error)
}

// NewEntry builds the log entry for one submission result.
func NewEntry(source, subject, deviceID string, req command.Request, seq int64, err error) *Entry {
	e := &Entry{
		DeviceID: deviceID,
		Command:  req.Command,
		Sequence: seq,
		Source:   source,
		Subject:  subject,
		Outcome:  OutcomeQueued,
	}
	if req.Params != nil {
		e.Params = req.Params.Fields()
	}
	if err != nil {
		e.Outcome = OutcomeRejected
		e.Error = err.Error()
	}
	return e
}

// Record writes e, logging rather than returning failures so the command
// path never fails on an audit write.
func Record(ctx context.Context, repo Repository, logger Logger, e *Entry) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := repo.Create(ctx, e); err != nil {
		logger.Warn("failed to record command", "device_id", e.DeviceID, "command", e.Command, "error", err)
	}
}

// RecordingCommander logs every submission made through it before
// returning the wrapped Commander's result unchanged.
type RecordingCommander struct {
	next   Commander
	repo   Repository
	source string
	logger Logger
}

// NewRecordingCommander wraps next. A nil logger discards write failures.
func NewRecordingCommander(next Commander, repo Repository, source string, logger Logger) *RecordingCommander {
	if logger == nil {
		logger = noopLogger{}
	}
	return &RecordingCommander{next: next, repo: repo, source: source, logger: logger}
}

func (c *RecordingCommander) Submit(deviceID string, req command.Request) (int64, error) {
	seq, err := c.next.Submit(deviceID, req)
	Record(context.Background(), c.repo, c.logger, NewEntry(c.source, "", deviceID, req, seq, err))
	return seq, err
}
