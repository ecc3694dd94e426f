package domain

import "errors"

var (
	ErrPatternNotFound   = errors.New("hopping pattern not found")
	ErrBandNotFound      = errors.New("frequency band not found")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrChannelFailed     = errors.New("channel is marked failed")
	ErrChannelNotAllowed = errors.New("channel is not assigned to drone")
	ErrProtocolNotFound  = errors.New("fallback protocol not found")
	ErrDroneNotFound     = errors.New("drone not registered")
	ErrEngineNotFound    = errors.New("engine not found")
	ErrNoBackupChannel   = errors.New("no eligible backup channel")
	ErrAlreadyExists     = errors.New("already exists")
	ErrNotRunning        = errors.New("engine not running")
)
