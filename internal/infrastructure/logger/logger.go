package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup 初始化全局日志
// 缺省 info 级别；排查连接组切换、去重丢弃等问题时可用
// UDSMUX_LOG_LEVEL=debug 打开调试日志
func Setup() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(os.Getenv("UDSMUX_LOG_LEVEL")); err == nil && lv != zerolog.NoLevel {
		level = lv
	}
	zerolog.SetGlobalLevel(level)
}
