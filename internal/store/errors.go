package store

import "fmt"

// NotFoundError reports an unknown device or video. Callers branch on it
// (errors.As) before deciding whether to broadcast a patch or a message.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError reports a malformed annotation or an otherwise invalid
// mutation, such as a duplicate video name.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func deviceNotFound(deviceID string) error {
	return &NotFoundError{Message: fmt.Sprintf("device ID %s not found", deviceID)}
}

func videoNotFound(deviceID, videoName string) error {
	return &NotFoundError{Message: fmt.Sprintf("video %s not found for device %s", videoName, deviceID)}
}
