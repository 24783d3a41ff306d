// Copyright 2025 Loghive Data, Inc.

package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode represents a Kafka-compatible error code
type ErrorCode int16

// Kafka-compatible error codes
const (
	None                         ErrorCode = 0
	OffsetOutOfRange             ErrorCode = 1
	CorruptMessage               ErrorCode = 2
	UnknownTopicOrPartition      ErrorCode = 3
	LeaderNotAvailable           ErrorCode = 5
	NotLeaderForPartition        ErrorCode = 6
	RequestTimedOut              ErrorCode = 7
	BrokerNotAvailable           ErrorCode = 8
	ReplicaNotAvailable          ErrorCode = 9
	MessageTooLarge              ErrorCode = 10
	StaleControllerEpoch         ErrorCode = 11
	NetworkException             ErrorCode = 13
	InvalidTopicException        ErrorCode = 17
	RecordListTooLarge           ErrorCode = 18
	NotEnoughReplicas            ErrorCode = 19
	NotEnoughReplicasAfterAppend ErrorCode = 20
	InvalidRequiredAcks          ErrorCode = 21
	InvalidTimestamp             ErrorCode = 32
	UnsupportedVersion           ErrorCode = 35
	NotController                ErrorCode = 41
	InvalidRequest               ErrorCode = 42
	PolicyViolation              ErrorCode = 44
	KafkaStorageError            ErrorCode = 56
	LogDirNotFound               ErrorCode = 57
	FencedLeaderEpoch            ErrorCode = 74
	UnknownLeaderEpoch           ErrorCode = 75
	PreferredLeaderNotAvailable  ErrorCode = 80
	UnknownServerError           ErrorCode = -1
)

var errorNames = map[ErrorCode]string{
	None:                         "NONE",
	OffsetOutOfRange:             "OFFSET_OUT_OF_RANGE",
	CorruptMessage:               "CORRUPT_MESSAGE",
	UnknownTopicOrPartition:      "UNKNOWN_TOPIC_OR_PARTITION",
	LeaderNotAvailable:           "LEADER_NOT_AVAILABLE",
	NotLeaderForPartition:        "NOT_LEADER_FOR_PARTITION",
	RequestTimedOut:              "REQUEST_TIMED_OUT",
	BrokerNotAvailable:           "BROKER_NOT_AVAILABLE",
	ReplicaNotAvailable:          "REPLICA_NOT_AVAILABLE",
	MessageTooLarge:              "MESSAGE_TOO_LARGE",
	StaleControllerEpoch:         "STALE_CONTROLLER_EPOCH",
	NetworkException:             "NETWORK_EXCEPTION",
	InvalidTopicException:        "INVALID_TOPIC_EXCEPTION",
	RecordListTooLarge:           "RECORD_LIST_TOO_LARGE",
	NotEnoughReplicas:            "NOT_ENOUGH_REPLICAS",
	NotEnoughReplicasAfterAppend: "NOT_ENOUGH_REPLICAS_AFTER_APPEND",
	InvalidRequiredAcks:          "INVALID_REQUIRED_ACKS",
	InvalidTimestamp:             "INVALID_TIMESTAMP",
	UnsupportedVersion:           "UNSUPPORTED_VERSION",
	NotController:                "NOT_CONTROLLER",
	InvalidRequest:               "INVALID_REQUEST",
	PolicyViolation:              "POLICY_VIOLATION",
	KafkaStorageError:            "KAFKA_STORAGE_ERROR",
	LogDirNotFound:               "LOG_DIR_NOT_FOUND",
	FencedLeaderEpoch:            "FENCED_LEADER_EPOCH",
	UnknownLeaderEpoch:           "UNKNOWN_LEADER_EPOCH",
	PreferredLeaderNotAvailable:  "PREFERRED_LEADER_NOT_AVAILABLE",
	UnknownServerError:           "UNKNOWN_SERVER_ERROR",
}

// String returns the canonical name for the error code
func (c ErrorCode) String() string {
	if name, ok := errorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_ERROR_%d", int16(c))
}

// Error is an error carrying a wire-visible error code
type Error struct {
	Code    ErrorCode
	Message string
}

// NewError creates an Error with a formatted message
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is a protocol error with the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeFor extracts the error code from err, mapping unknown errors to
// UnknownServerError. A nil err maps to None.
func CodeFor(err error) ErrorCode {
	if err == nil {
		return None
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return UnknownServerError
}
