package logger

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// Watermill adapts a zerolog logger to watermill's LoggerAdapter.
type Watermill struct {
	log zerolog.Logger
}

var _ watermill.LoggerAdapter = Watermill{}

func NewWatermill(log zerolog.Logger) Watermill {
	return Watermill{log: log.With().Str("component", "watermill").Logger()}
}

func (w Watermill) Error(msg string, err error, fields watermill.LogFields) {
	w.log.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w Watermill) Info(msg string, fields watermill.LogFields) {
	w.log.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w Watermill) Debug(msg string, fields watermill.LogFields) {
	w.log.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w Watermill) Trace(msg string, fields watermill.LogFields) {
	w.log.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w Watermill) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return Watermill{log: w.log.With().Fields(map[string]interface{}(fields)).Logger()}
}
