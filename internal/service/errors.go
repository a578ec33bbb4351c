package service

import "errors"

// Ошибки сервисного слоя. На границе API проверяются через errors.Is,
// чтобы клиент получал осмысленный код вместо текста.
var (
	ErrAlreadyRecording  = errors.New("recording already in progress")
	ErrNotRecording      = errors.New("no active recording")
	ErrModelNotLoaded    = errors.New("recognition model not loaded")
	ErrDeviceNotFound    = errors.New("capture device not found")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)
