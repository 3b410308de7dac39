package errors

// 预定义哨兵错误（用于 errors.Is 比较）
var (
	ErrValidation   = New(CodeValidationError, "validation error")
	ErrInvalidParam = New(CodeInvalidParam, "invalid parameter")
	ErrInvalidState = New(CodeInvalidState, "invalid state")

	ErrNotFound       = New(CodeNotFound, "resource not found")
	ErrAlreadyStarted = New(CodeAlreadyStarted, "already started")
	ErrClosed         = New(CodeResourceClosed, "resource closed")

	ErrAlreadyConnected = New(CodeAlreadyConnected, "connection already in progress or established")
	ErrTimeout          = New(CodeTimeout, "operation timeout")
	ErrBackend          = New(CodeBackendError, "backend error")
	ErrNetwork          = New(CodeNetworkError, "network error")

	ErrStorage = New(CodeStorageError, "storage error")
)

// IsNotFound 检查是否为资源不存在错误
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsValidation 检查是否为校验错误
func IsValidation(err error) bool {
	return Is(err, ErrValidation)
}

// IsTimeout 检查是否为超时错误
func IsTimeout(err error) bool {
	return IsCode(err, CodeTimeout)
}

// IsStorage 检查是否为 I/O 错误
func IsStorage(err error) bool {
	return IsCode(err, CodeStorageError)
}
