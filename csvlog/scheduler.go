package csvlog

import "time"

// Timer - отложенная задача, которую можно отменить
type Timer interface {
	Stop() bool
}

// Scheduler планирует отложенные задачи. Буфер держит не больше одной.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Executor выполняет запись вне вызывающей горутины
type Executor interface {
	Go(f func())
}

// RealScheduler использует time.AfterFunc
type RealScheduler struct{}

// AfterFunc реализует Scheduler
func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// GoExecutor запускает каждую задачу в новой горутине
type GoExecutor struct{}

// Go реализует Executor
func (GoExecutor) Go(f func()) {
	go f()
}
