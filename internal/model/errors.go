package model

import "fmt"

// HubCode is the flat integer error enum shared by resources and the hub
// (spec §6 "Error codes"). Zero is always success.
type HubCode int

const (
	NoError HubCode = 0

	ErrPermissionDenied HubCode = -(iota + 1)
	ErrUnknownType
	ErrInvalidToken
	ErrAlreadyExists
	ErrInvalidDescriptor
	ErrInvalidData
	ErrUnknownItem
	ErrInvalidParameters
	ErrStorageError
	ErrUnknownError
	ErrNotSupported
)

var hubCodeStrings = map[HubCode]string{
	NoError:              "NoError",
	ErrPermissionDenied:  "PermissionDenied",
	ErrUnknownType:       "UnknownType",
	ErrInvalidToken:      "InvalidToken",
	ErrAlreadyExists:     "AlreadyExists",
	ErrInvalidDescriptor: "InvalidDescriptor",
	ErrInvalidData:       "InvalidData",
	ErrUnknownItem:       "UnknownItem",
	ErrInvalidParameters: "InvalidParameters",
	ErrStorageError:      "StorageError",
	ErrUnknownError:      "UnknownError",
	ErrNotSupported:      "NotSupported",
}

// HubError is a typed wire error: it carries both the closed enum value and
// a human string, matching the {errorcode, errorstring} envelope of spec §7.
type HubError struct {
	code HubCode
	msg  string
}

// NewHubError wraps a HubCode with an explanatory message. If msg is empty
// the code's canonical name is used.
func NewHubError(code HubCode, msg string) *HubError {
	if msg == "" {
		msg = hubCodeStrings[code]
	}
	return &HubError{code: code, msg: msg}
}

func (e *HubError) Error() string      { return fmt.Sprintf("%s: %s", hubCodeStrings[e.code], e.msg) }
func (e *HubError) Code() HubCode      { return e.code }
func (e *HubError) ErrorString() string { return e.msg }

// AsHubError extracts a *HubError from any error, falling back to
// ErrUnknownError so every failure path still produces a valid wire error.
func AsHubError(err error) *HubError {
	if err == nil {
		return nil
	}
	if he, ok := err.(*HubError); ok {
		return he
	}
	return NewHubError(ErrUnknownError, err.Error())
}

// DeviceCode is the parallel closed enum for device/twin operations.
type DeviceCode int

const (
	DeviceNoError DeviceCode = 0

	ErrFunctionNotExist DeviceCode = -(iota + 1)
	ErrDeviceNotAvailable
	ErrPropertyNotExists
	ErrDevicePermissionDenied
)

var deviceCodeStrings = map[DeviceCode]string{
	DeviceNoError:             "NoError",
	ErrFunctionNotExist:       "FunctionNotExist",
	ErrDeviceNotAvailable:     "DeviceNotAvailable",
	ErrPropertyNotExists:      "PropertyNotExists",
	ErrDevicePermissionDenied: "PermissionDenied",
}

// DeviceError is the device-twin analogue of HubError.
type DeviceError struct {
	code DeviceCode
	msg  string
}

func NewDeviceError(code DeviceCode, msg string) *DeviceError {
	if msg == "" {
		msg = deviceCodeStrings[code]
	}
	return &DeviceError{code: code, msg: msg}
}

func (e *DeviceError) Error() string       { return fmt.Sprintf("%s: %s", deviceCodeStrings[e.code], e.msg) }
func (e *DeviceError) Code() DeviceCode     { return e.code }
func (e *DeviceError) ErrorString() string { return e.msg }
