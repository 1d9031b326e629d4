package events

import (
	"errors"
	"log/slog"
)

// Bridge receives utterance notifications. Calls are synchronous and must
// return promptly; a returned error is logged by the caller and never retried.
type Bridge interface {
	OnUtteranceStart(participantID int) error
	OnUtteranceEnd(participantID int, container []byte) error
}

// Fanout delivers every notification to all bridges in order
type Fanout []Bridge

// OnUtteranceStart implements Bridge
func (f Fanout) OnUtteranceStart(participantID int) error {
	var errs []error
	for _, b := range f {
		if err := b.OnUtteranceStart(participantID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnUtteranceEnd implements Bridge
func (f Fanout) OnUtteranceEnd(participantID int, container []byte) error {
	var errs []error
	for _, b := range f {
		if err := b.OnUtteranceEnd(participantID, container); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogBridge writes utterance notifications to a structured logger
type LogBridge struct {
	Logger *slog.Logger
}

// OnUtteranceStart implements Bridge
func (l LogBridge) OnUtteranceStart(participantID int) error {
	l.Logger.Info("Voice chat started", slog.Int("participant_id", participantID))
	return nil
}

// OnUtteranceEnd implements Bridge
func (l LogBridge) OnUtteranceEnd(participantID int, container []byte) error {
	l.Logger.Info("Voice chat ended",
		slog.Int("participant_id", participantID),
		slog.Int("container_bytes", len(container)),
	)
	return nil
}
