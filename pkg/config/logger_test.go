package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	for _, dev := range []bool{true, false} {
		logger, err := NewLogger(dev)
		require.NoError(t, err)
		require.NotNil(t, logger)

		assert.NotPanics(t, func() {
			logger.Debug("debug", zap.String("key", "value"))
			logger.Info("info", zap.String("key", "value"))
		})
	}
}

func TestNewLoggerWithLevel(t *testing.T) {
	_, err := NewLoggerWithLevel(false, "warn")
	require.NoError(t, err)

	_, err = NewLoggerWithLevel(false, "loud")
	assert.Error(t, err, "未知日志级别应返回错误")
}

func TestObservedLogger(t *testing.T) {
	logger, logs := NewObservedLogger(zapcore.InfoLevel)

	logger.Debug("被级别过滤")
	logger.With(zap.String("component", "gateway")).Warn("实例不可用", zap.String("url", "http://a"))
	logger.Error("请求失败")

	require.Equal(t, 2, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "实例不可用", entry.Message)
	assert.Equal(t, "gateway", entry.ContextMap()["component"])
	assert.Equal(t, "http://a", entry.ContextMap()["url"])

	assert.Equal(t, 1, logs.FilterMessage("请求失败").Len())
}

func TestNopLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		l := NewNopLogger().With(zap.Int("n", 1))
		l.Warn("丢弃")
		l.Error("丢弃")
	})
}
