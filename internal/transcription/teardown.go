package transcription

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/satriahrh/medspa-realtime/domain/entities"
)

// Stop ends the current recording. Release order: processing, capture
// graph, input stream, media tracks, socket (normal closure), backend
// session. Calling Stop again, or while a stop is in progress, is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	attempt := e.attempt
	e.mu.Unlock()
	return e.stop(ctx, attempt, "")
}

// failAttempt surfaces a user-facing error and tears the attempt down
func (e *Engine) failAttempt(attempt int, message string) {
	e.mu.Lock()
	if attempt != e.attempt {
		e.mu.Unlock()
		return
	}
	e.lastErr = message
	e.setRecordingLocked(entities.RecordingStateError)
	e.mu.Unlock()

	e.emit(Event{Kind: EventError, Text: message})
	e.stopAttempt(attempt, message)
}

func (e *Engine) stopAttempt(attempt int, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.StopTimeout)
	defer cancel()
	if err := e.stop(ctx, attempt, reason); err != nil {
		e.logger.Warn("Teardown finished with errors", zap.Error(err))
	}
}

func (e *Engine) stop(ctx context.Context, attempt int, reason string) error {
	e.mu.Lock()
	if attempt != e.attempt || e.teardown != entities.TeardownIdle {
		e.mu.Unlock()
		return nil
	}
	e.teardown = entities.TeardownStopping
	failed := e.recording == entities.RecordingStateError
	if !failed {
		e.setRecordingLocked(entities.RecordingStateStopping)
	}
	cancel := e.cancelPipeline
	done := e.pipelineDone
	capture := e.capture
	conn := e.conn
	var sessionID string
	if e.session != nil {
		sessionID = e.session.SessionID
	}
	e.mu.Unlock()

	logger := e.logger.With(zap.String("session_id", sessionID))
	if reason != "" {
		logger = logger.With(zap.String("reason", reason))
	}
	logger.Info("Stopping transcription")
	if !failed {
		e.emit(Event{Kind: EventRecordingState, RecordingState: entities.RecordingStateStopping})
	}

	var errs []error

	// processing callback
	if cancel != nil {
		cancel()
		<-done
	}

	if capture != nil {
		if err := capture.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect capture: %w", err))
		}
		if err := capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input stream: %w", err))
		}
		for _, track := range capture.Tracks() {
			if err := track.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop track %s: %w", track.Label(), err))
			}
		}
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close socket: %w", err))
		}
	}

	if sessionID != "" && e.sessions != nil {
		if err := e.sessions.StopSession(ctx, sessionID); err != nil {
			errs = append(errs, fmt.Errorf("stop session: %w", err))
		}
	}

	e.mu.Lock()
	if attempt == e.attempt {
		e.teardown = entities.TeardownStopped
		if e.session != nil {
			e.session.Associated = false
		}
		if !failed {
			e.setRecordingLocked(entities.RecordingStateStopped)
		}
		e.capture = nil
		e.cancelPipeline = nil
		e.pipelineDone = nil
	}
	e.mu.Unlock()

	if !failed {
		e.emit(Event{Kind: EventRecordingState, RecordingState: entities.RecordingStateStopped})
	}
	err := errors.Join(errs...)
	if err != nil {
		logger.Warn("Transcription stopped with errors", zap.Error(err))
	} else {
		logger.Info("Transcription stopped")
	}
	return err
}

// releaseSession stops a backend session that never got a socket
func (e *Engine) releaseSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.StopTimeout)
	defer cancel()
	if err := e.sessions.StopSession(ctx, sessionID); err != nil {
		e.logger.Warn("Failed to release session", zap.String("session_id", sessionID), zap.Error(err))
	}
}
