package connection

import "time"

// Timer 可取消的定时器
type Timer interface {
	Stop() bool
}

// Clock 时间源，测试中可替换以精确控制超时
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock 系统时钟
func RealClock() Clock {
	return realClock{}
}
