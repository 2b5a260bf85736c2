package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/config"
)

// DefaultBufferSize 默认事件缓冲区大小
const DefaultBufferSize = 256

// Dispatcher 把事件异步投递给观察者
//
// Emit 从不阻塞调用方：缓冲区满时事件被丢弃并记录警告。
// 观察者的panic会被恢复，不影响后续事件。
type Dispatcher struct {
	observer Observer
	logger   config.Logger
	queue    chan Event
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher 创建并启动异步事件分发器，observer为nil时所有事件被忽略
func NewDispatcher(observer Observer, bufferSize int, logger config.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}

	d := &Dispatcher{
		observer: observer,
		logger:   logger,
		queue:    make(chan Event, bufferSize),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit 投递事件，不阻塞
func (d *Dispatcher) Emit(event Event) {
	if d == nil || d.observer == nil || event == nil {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.queue <- event:
	default:
		d.logger.Warn("事件缓冲区已满，丢弃事件", zap.String("event", event.EventName()))
	}
}

// Close 停止接收新事件并等待已缓冲的事件处理完毕
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("事件观察者发生panic",
				zap.String("event", event.EventName()),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	d.observer.Notify(event)
}

// LogObserver 把事件写入日志的观察者
func LogObserver(logger config.Logger) Observer {
	return ObserverFunc(func(event Event) {
		switch e := event.(type) {
		case RequestFailed:
			logger.Warn("服务请求失败",
				zap.String("service", e.Service),
				zap.String("url", e.URL),
				zap.String("method", e.Method),
				zap.String("path", e.Path),
				zap.Int("status", e.Status),
				zap.String("message", e.Message))
		case ServiceUnavailable:
			logger.Error("服务不可用",
				zap.String("service", e.Service),
				zap.Strings("attempted_urls", e.AttemptedURLs),
				zap.String("last_error", e.LastError))
		case HealthChanged:
			logger.Info("实例健康状态变化",
				zap.String("service", e.Service),
				zap.String("url", e.URL),
				zap.Bool("healthy", e.Healthy),
				zap.Int("failures", e.Failures))
		default:
			logger.Debug("事件", zap.String("event", event.EventName()))
		}
	})
}

// Multi 把事件依次交给多个观察者
func Multi(observers ...Observer) Observer {
	return ObserverFunc(func(event Event) {
		for _, o := range observers {
			if o != nil {
				o.Notify(event)
			}
		}
	})
}
