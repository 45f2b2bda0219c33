// Package errs 定义订阅模块领域错误
//
// 错误码规则：模块码 10000 + 子码。HTTP 层据此返回模块级错误码与消息，
// 内部代码通过 errors.Is / errors.As 判定类别。
package errs

import (
	"errors"
	"fmt"
)

// ModuleCode 订阅模块码
const ModuleCode = 10000

// Error 带码领域错误
type Error struct {
	Code    int
	Message string

	// Wrapped 底层错误（可为 nil）
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%d] %s: %v", e.FullCode(), e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%d] %s", e.FullCode(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is 支持按哨兵值比较：同码即同类
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// FullCode 模块码 + 子码
func (e *Error) FullCode() int {
	return ModuleCode + e.Code
}

// New 基于哨兵错误派生一个带补充信息的实例
func New(sentinel *Error, format string, args ...interface{}) *Error {
	return &Error{
		Code:    sentinel.Code,
		Message: sentinel.Message + ": " + fmt.Sprintf(format, args...),
	}
}

// Wrap 基于哨兵错误包装底层错误
func Wrap(sentinel *Error, err error) *Error {
	return &Error{Code: sentinel.Code, Message: sentinel.Message, Wrapped: err}
}

// ============================================================================
// 错误分类（模块码 10000）
// ============================================================================

var (
	ErrSubscriptionNotExist       = &Error{Code: 1, Message: "subscription not exist"}
	ErrActionCanNotBeNone         = &Error{Code: 2, Message: "action can not be none"}
	ErrSubscriptionTaskNotExist   = &Error{Code: 3, Message: "subscription task not exist"}
	ErrInstanceTaskIsRunning      = &Error{Code: 17, Message: "instance task is running"}
	ErrConfigRenderFailed         = &Error{Code: 4, Message: "config render failed"}
	ErrPipelineExecuteFailed      = &Error{Code: 5, Message: "pipeline execute failed"}
	ErrPipelineTreeParseError     = &Error{Code: 6, Message: "pipeline tree parse error"}
	ErrInstanceRecordNotExist     = &Error{Code: 7, Message: "subscription instance record not exist"}
	ErrPipelineDuplicateExecution = &Error{Code: 8, Message: "pipeline duplicate execution"}
	ErrSubscriptionInstanceEmpty  = &Error{Code: 9, Message: "subscription instance empty"}
	ErrPluginValidationError      = &Error{Code: 10, Message: "plugin validation error"}
	ErrMultipleObjectError        = &Error{Code: 11, Message: "multiple object error"}
	ErrPackageNotExists           = &Error{Code: 12, Message: "package not exists"}
	ErrSubscriptionStepNotExist   = &Error{Code: 13, Message: "subscription step not exist"}
	ErrCreateSubscriptionTask     = &Error{Code: 14, Message: "create subscription task error"}
	ErrSubscriptionTaskNotReady   = &Error{Code: 15, Message: "subscription task not ready"}
	ErrNoRunningInstanceRecord    = &Error{Code: 16, Message: "no running instance record"}
	ErrRequestParam               = &Error{Code: 18, Message: "request parameter error"}
)
