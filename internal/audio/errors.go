package audio

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// DeviceErrorKind classifies capture failures for the user
type DeviceErrorKind string

const (
	DeviceErrorDenied      DeviceErrorKind = "denied"
	DeviceErrorNoDevice    DeviceErrorKind = "no_device"
	DeviceErrorBusy        DeviceErrorKind = "busy"
	DeviceErrorUnsupported DeviceErrorKind = "unsupported"
	DeviceErrorUnknown     DeviceErrorKind = "unknown"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no microphone found")
	ErrDeviceBusy       = errors.New("microphone is in use")
	ErrUnsupported      = errors.New("audio capture is not supported")
)

// DeviceError is a classified capture failure
type DeviceError struct {
	Kind        DeviceErrorKind
	Message     string
	Remediation string
	Err         error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

var deviceErrorText = map[DeviceErrorKind][2]string{
	DeviceErrorDenied: {
		"Microphone access was denied.",
		"Allow microphone access for this application in your system or browser settings, then start recording again.",
	},
	DeviceErrorNoDevice: {
		"No microphone was found.",
		"Connect a microphone or check that it is enabled, then try again.",
	},
	DeviceErrorBusy: {
		"The microphone is being used by another application.",
		"Close other applications that may be recording and try again.",
	},
	DeviceErrorUnsupported: {
		"Audio recording is not supported in this environment.",
		"Use a supported browser or device with audio capture enabled.",
	},
	DeviceErrorUnknown: {
		"Unable to start the microphone.",
		"Try again. If the problem persists, restart the application.",
	},
}

// browser media error names, as reported by getUserMedia
var errorNames = []struct {
	kind  DeviceErrorKind
	names []string
}{
	{DeviceErrorDenied, []string{"NotAllowedError", "PermissionDeniedError", "SecurityError"}},
	{DeviceErrorNoDevice, []string{"NotFoundError", "DevicesNotFoundError", "OverconstrainedError"}},
	{DeviceErrorBusy, []string{"NotReadableError", "TrackStartError", "AbortError"}},
	{DeviceErrorUnsupported, []string{"NotSupportedError", "TypeError"}},
}

// ClassifyDeviceError maps a capture failure to a DeviceError. It returns nil for nil.
func ClassifyDeviceError(err error) *DeviceError {
	if err == nil {
		return nil
	}
	var already *DeviceError
	if errors.As(err, &already) {
		return already
	}
	return newDeviceError(classify(err), err)
}

func classify(err error) DeviceErrorKind {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, os.ErrPermission):
		return DeviceErrorDenied
	case errors.Is(err, ErrNoDevice), errors.Is(err, os.ErrNotExist):
		return DeviceErrorNoDevice
	case errors.Is(err, ErrDeviceBusy), errors.Is(err, syscall.EBUSY):
		return DeviceErrorBusy
	case errors.Is(err, ErrUnsupported):
		return DeviceErrorUnsupported
	}

	text := err.Error()
	for _, group := range errorNames {
		for _, name := range group.names {
			if strings.Contains(text, name) {
				return group.kind
			}
		}
	}
	return DeviceErrorUnknown
}

func newDeviceError(kind DeviceErrorKind, err error) *DeviceError {
	text := deviceErrorText[kind]
	return &DeviceError{Kind: kind, Message: text[0], Remediation: text[1], Err: err}
}
