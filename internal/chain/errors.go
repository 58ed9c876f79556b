package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// ErrorCode classifies a sync failure for retry and alerting decisions.
type ErrorCode string

const (
	// CodeContractNotFound marks a misconfigured contract address. Fatal, never retried.
	CodeContractNotFound ErrorCode = "contract_not_found"
	// CodeRPCUnreachable marks a transport-level failure. Retried across attempts and endpoints.
	CodeRPCUnreachable ErrorCode = "rpc_unreachable"
	// CodeSyncFailed marks any other decode or processing failure. Retried a bounded number of times.
	CodeSyncFailed ErrorCode = "sync_failed"
)

// SyncError carries a classification alongside the underlying cause.
type SyncError struct {
	Code ErrorCode
	Err  error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError wraps err with an explicit code.
func NewSyncError(code ErrorCode, err error) *SyncError {
	return &SyncError{Code: code, Err: err}
}

// CodeOf extracts the classification from err, defaulting to sync_failed.
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeSyncFailed
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return CodeOf(err) == CodeContractNotFound
}

// Classify maps a raw RPC error into the sync taxonomy. Transport failures
// (refused connections, DNS, timeouts) become rpc_unreachable; node-side
// errors stay sync_failed. Classification happens here, at the adapter
// boundary, never by matching message text downstream.
func Classify(err error) *SyncError {
	if err == nil {
		return nil
	}

	var se *SyncError
	if errors.As(err, &se) {
		return se
	}

	if isUnreachable(err) {
		return NewSyncError(CodeRPCUnreachable, err)
	}
	return NewSyncError(CodeSyncFailed, err)
}

func isUnreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
