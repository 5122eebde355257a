package lib

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

/* This file contains small shared helpers: hex string conversion, timers, and JSON convenience wrappers */

// BytesToString() converts a byte slice into a hexadecimal string
func BytesToString(b []byte) string {
	return hex.EncodeToString(b)
}

// StringToBytes() converts a hexadecimal string back into a byte slice
func StringToBytes(s string) ([]byte, ErrorI) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, NewError(CodeStringToBytes, MainModule, "stringToBytes() failed with err: "+err.Error())
	}
	return b, nil
}

// BytesToTruncatedString() converts a byte slice to a truncated hexadecimal string
func BytesToTruncatedString(b []byte) string {
	if len(b) > 10 {
		return hex.EncodeToString(b[:10])
	}
	return hex.EncodeToString(b)
}

// MarshalJSON() wraps json.Marshal with the project error type
func MarshalJSON(message any) ([]byte, ErrorI) {
	bz, err := json.Marshal(message)
	if err != nil {
		return nil, ErrJSONMarshal(err)
	}
	return bz, nil
}

// UnmarshalJSON() wraps json.Unmarshal with the project error type
func UnmarshalJSON(data []byte, ptr any) ErrorI {
	if err := json.Unmarshal(data, ptr); err != nil {
		return ErrJSONUnmarshal(err)
	}
	return nil
}

// Uint64PercentageDiv() calculates the percentage dividend/divisor, capped at 100
func Uint64PercentageDiv(dividend, divisor uint64) (percent uint64) {
	if dividend == 0 || divisor == 0 {
		return 0
	}
	// calculate the percent
	percent = (dividend * 100) / divisor
	// ensure the percent can't exceed 100
	if percent > 100 {
		percent = 100
	}
	return percent
}

// NewTimer() creates a new stopped and drained timer
func NewTimer() *time.Timer {
	t := time.NewTimer(0)
	<-t.C
	return t
}

// ResetTimer() stops the existing timer, and resets with the new duration
func ResetTimer(t *time.Timer, d time.Duration) {
	StopTimer(t)
	t.Reset(d)
}

// StopTimer() stops the existing timer
func StopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		// drain safely
		select {
		case <-t.C:
		default:
		}
	}
}

// DefaultDataDirPath() returns the default location for node data and logs
func DefaultDataDirPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".strom"
	}
	return filepath.Join(home, ".strom")
}
