package connection

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"miqo-core/internal/bridge"
	coreerrors "miqo-core/internal/core/errors"
	"miqo-core/internal/profile"
)

// State 连接状态
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

// String 状态名称
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Target 连接目标：命名配置或直接给出的 broker URL
type Target struct {
	Profile string             // 配置名，直接 URL 时为空
	Args    bridge.ConnectArgs // start_connect 参数
}

// TargetFromConfig 由已校验的配置生成目标
func TargetFromConfig(c profile.ClientConfig) Target {
	return Target{
		Profile: c.Name,
		Args:    profile.ConnectOptions(c),
	}
}

// TargetFromURL 由 broker URL 生成目标，如 tcp://localhost:1883
func TargetFromURL(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Target{}, coreerrors.Newf(coreerrors.CodeInvalidParam, "invalid broker URL %q", raw)
	}
	return Target{Args: bridge.ConnectArgs{URL: raw}}, nil
}

// URL broker 地址
func (t Target) URL() string {
	return t.Args.URL
}

// Label 用于展示的名称
func (t Target) Label() string {
	if t.Profile != "" {
		return t.Profile
	}
	return t.Args.URL
}

// Session 当前连接会话的只读快照
type Session struct {
	State    State
	Target   Target
	Err      error     // 仅 StateError 时非空
	Deadline time.Time // 连接超时或断开宽限的截止时间，无等待时为零值
}

// Reason Error 状态的原因
func (s Session) Reason() string {
	if s.Err == nil {
		return ""
	}
	if e, ok := s.Err.(*coreerrors.Error); ok {
		return e.Message
	}
	return s.Err.Error()
}
