package profile

import (
	"fmt"
	"strings"
	"unicode/utf8"

	coreerrors "miqo-core/internal/core/errors"
)

// PortRangeMessage 端口越界时的提示
const PortRangeMessage = "Port range is in 1-65535."

// FieldError 单个字段的校验失败
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError 列出所有不满足约束的字段，而不仅是第一个
type ValidationError struct {
	Fields []FieldError
}

// Error 实现 error 接口
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return fmt.Sprintf("[%s] invalid client config: %s", coreerrors.CodeValidationError, strings.Join(parts, "; "))
}

// Is 使 errors.Is(err, coreerrors.ErrValidation) 成立
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*coreerrors.Error)
	return ok && t.Code == coreerrors.CodeValidationError
}

// Has 是否包含指定字段的错误
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// Validate 校验配置
//
// 纯函数：不修改输入、不做 I/O。成功时原样返回配置，
// 失败时返回 *ValidationError，字段顺序固定。
// 含非法 UTF-8 的字段先行报告，此时不再检查其他约束。
func Validate(c ClientConfig) (ClientConfig, error) {
	verr := &ValidationError{}

	// JSON 编码会把非法字节替换为 U+FFFD，保存后无法原样读回
	for _, f := range []struct{ field, value string }{
		{"name", c.Name},
		{"hostname", c.Hostname},
		{"username", c.Username},
		{"password", c.Password},
		{"clientcertfilepath", c.CertFile},
		{"clientkeyfilepath", c.KeyFile},
		{"client_id", c.ClientID},
	} {
		if !utf8.ValidString(f.value) {
			verr.add(f.field, "Must be valid UTF-8 text.")
		}
	}
	if len(verr.Fields) > 0 {
		return ClientConfig{}, verr
	}

	switch {
	case strings.TrimSpace(c.Name) == "":
		verr.add("name", "Name is required.")
	case !isFileSafe(c.Name):
		verr.add("name", "Name must be usable as a file name.")
	}

	if strings.TrimSpace(c.Hostname) == "" {
		verr.add("hostname", "Hostname is required.")
	}

	if c.Port < 1 || c.Port > 65535 {
		verr.add("port", PortRangeMessage)
	}

	if !c.Protocol.Valid() {
		verr.add("protocol", fmt.Sprintf("Unknown protocol %q.", c.Protocol))
	}
	if !c.MQTTVersion.Valid() {
		verr.add("mqtt_version", fmt.Sprintf("Unknown MQTT version %q.", c.MQTTVersion))
	}
	if !c.AuthType.Valid() {
		verr.add("auth_type", fmt.Sprintf("Unknown auth type %q.", c.AuthType))
	}

	if c.PasswordAuth {
		if c.Username == "" {
			verr.add("username", "Username is required for password authentication.")
		}
		if c.Password == "" {
			verr.add("password", "Password is required for password authentication.")
		}
	}

	if c.MTLS {
		if c.CertFile == "" {
			verr.add("clientcertfilepath", "Client certificate is required for mTLS.")
		}
		if c.KeyFile == "" {
			verr.add("clientkeyfilepath", "Client key is required for mTLS.")
		}
	}

	if len(verr.Fields) > 0 {
		return ClientConfig{}, verr
	}
	return c, nil
}

// isFileSafe 名称可直接作为 <name>.json 使用
func isFileSafe(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
