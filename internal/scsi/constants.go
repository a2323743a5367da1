// Package scsi holds the SCSI protocol state the I/O engine touches: SAM
// status codes, sense keys, additional sense codes, fixed-format sense data
// and the request object that owns a command's scatter/gather list.
package scsi

import "fmt"

// Status is a SAM status code returned to the initiator.
type Status uint8

// SAM status codes.
const (
	StatusGood                Status = 0x00 // Command completed
	StatusCheckCondition      Status = 0x02 // Sense data available
	StatusBusy                Status = 0x08 // Target busy
	StatusReservationConflict Status = 0x18 // Reservation conflict
	StatusTaskSetFull         Status = 0x28 // Task set full
	StatusTaskAborted         Status = 0x40 // Task aborted
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "GOOD"
	case StatusCheckCondition:
		return "CHECK_CONDITION"
	case StatusBusy:
		return "BUSY"
	case StatusReservationConflict:
		return "RESERVATION_CONFLICT"
	case StatusTaskSetFull:
		return "TASK_SET_FULL"
	case StatusTaskAborted:
		return "TASK_ABORTED"
	default:
		return fmt.Sprintf("STATUS_%#02x", uint8(s))
	}
}

// SCSI sense keys.
const (
	SenseNoSense        = 0x00 // No error
	SenseRecoveredError = 0x01 // Recovered error
	SenseNotReady       = 0x02 // Device not ready
	SenseMediumError    = 0x03 // Medium error
	SenseHardwareError  = 0x04 // Hardware error
	SenseIllegalRequest = 0x05 // Illegal request
	SenseUnitAttention  = 0x06 // Unit attention
	SenseDataProtect    = 0x07 // Data protect
	SenseBlankCheck     = 0x08 // Blank check
	SenseAbortedCommand = 0x0B // Aborted command
)

// Additional Sense Codes (ASC).
const (
	ASCNoAdditionalInfo      = 0x00 // No additional sense information
	ASCWriteError            = 0x0C // Write error
	ASCReadError             = 0x11 // Unrecovered read error
	ASCInvalidCommand        = 0x20 // Invalid command operation code
	ASCLBAOutOfRange         = 0x21 // Logical block address out of range
	ASCInvalidFieldInCDB     = 0x24 // Invalid field in CDB
	ASCWriteProtected        = 0x27 // Write protected
	ASCNotReadyToReadyChange = 0x28 // Not ready to ready change
	ASCMediumNotPresent      = 0x3A // Medium not present
	ASCInternalTargetFailure = 0x44 // Internal target failure
)

// Fixed-format sense data layout.
const (
	SenseResponseCurrent   = 0x70 // Current error, fixed format
	SenseResponseDeferred  = 0x71 // Deferred error, fixed format
	SenseFixedSize         = 18   // Fixed format length
	senseAdditionalLength  = SenseFixedSize - 8
	senseKeyOffset         = 2
	senseInformationOffset = 3
	senseAddLenOffset      = 7
	senseASCOffset         = 12
	senseASCQOffset        = 13
)
