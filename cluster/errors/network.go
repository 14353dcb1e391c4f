package cerrors

// This file is deprecated - all functionality has been moved to utils.go

// Network error checking functions moved to utils.go

// These functions were moved to utils.go:
// - IsNetworkUnreachable
// - IsConnectionRefusedError
// - IsConnectionResetError
// - IsNameResolutionError
// - IsTimeoutError
// - IsTemporaryNetworkError
// - IsIOError
// - IsBufferError
// - IsPermissionError
// - IsAddressAlreadyInUseError
// - ErrorCategoryFromError
// - ErrorSeverityFromError

// IsTimeoutError and IsTemporaryNetworkError are now in utils.go
// IsIOError is now in utils.go
// IsBufferError is now in utils.go
// IsPermissionError is now in utils.go
// IsAddressAlreadyInUseError is now in utils.go
// ErrorCategoryFromError is now in utils.go
// ErrorSeverityFromError is now in utils.go