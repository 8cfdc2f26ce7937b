package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示编排器内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	// Fatal 表示错误终止整个账户的执行单元，而不仅是单个动作。
	Fatal bool
}

const (
	CodeUnknown            Code = "UNKNOWN"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeConfiguration      Code = "CONFIGURATION_INVALID"
	CodeConnectivity       Code = "CONNECTIVITY_FAILURE"
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeReverted           Code = "TRANSACTION_REVERTED"
	CodeAllowance          Code = "ALLOWANCE_UNAVAILABLE"
	CodeSubmission         Code = "SUBMISSION_FAILED"
	CodeTimeout            Code = "TIMEOUT"
	CodeCanceled           Code = "CANCELED"
	CodeUnitCrashed        Code = "UNIT_CRASHED"
	CodeFaucetUnavailable  Code = "FAUCET_UNAVAILABLE"
	CodeFaucetIneligible   Code = "FAUCET_INELIGIBLE"
	CodeCaptchaUnavailable Code = "CAPTCHA_UNAVAILABLE"
	CodeSinkFailure        Code = "RESULT_SINK_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:            {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:    {Message: "invalid argument", Severity: SeverityInfo},
		CodeConfiguration:      {Message: "invalid configuration", Severity: SeverityCritical, Alert: true, Fatal: true},
		CodeConnectivity:       {Message: "chain or proxy unreachable", Severity: SeverityWarning, Retryable: true, Alert: true, Fatal: true},
		CodeInsufficientFunds:  {Message: "insufficient funds", Severity: SeverityInfo},
		CodeReverted:           {Message: "transaction reverted", Severity: SeverityWarning},
		CodeAllowance:          {Message: "allowance not granted", Severity: SeverityWarning},
		CodeSubmission:         {Message: "transaction submission failed", Severity: SeverityWarning, Retryable: true},
		CodeTimeout:            {Message: "operation timed out", Severity: SeverityWarning, Alert: true, Fatal: true},
		CodeCanceled:           {Message: "operation canceled", Severity: SeverityInfo, Fatal: true},
		CodeUnitCrashed:        {Message: "execution unit crashed", Severity: SeverityCritical, Alert: true, Fatal: true},
		CodeFaucetUnavailable:  {Message: "faucet request failed", Severity: SeverityWarning, Retryable: true},
		CodeFaucetIneligible:   {Message: "token not eligible for faucet", Severity: SeverityInfo},
		CodeCaptchaUnavailable: {Message: "captcha could not be solved", Severity: SeverityWarning},
		CodeSinkFailure:        {Message: "result sink failure", Severity: SeverityWarning, Retryable: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是编排器内统一的错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	alert    *bool
	severity *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，例如交易哈希或账户序号。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 按错误码比较。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含原因链的错误描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否包含指定错误码。
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.code == code {
			return true
		}
		err = stdErrors.Unwrap(err)
	}
	return false
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return AttributesOf(e.Code()).Retryable
	}
	return false
}

// Fatal 判断错误是否终止账户执行单元。
func Fatal(err error) bool {
	if e, ok := From(err); ok {
		return AttributesOf(e.Code()).Fatal
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
