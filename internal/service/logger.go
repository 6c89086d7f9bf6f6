package service

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 是全局日志接口
// 在其他模块中使用：service.Logger.Info("order placed", zap.String("order_id", id))
var Logger *zap.Logger

// InitLogger 初始化 Zap 日志：stdout + 滚动文件双输出
func InitLogger(logFile string) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.TimeKey = "time"

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(os.Stdout), zap.InfoLevel),
	}

	if logFile != "" {
		// 文件输出走 lumberjack 滚动，避免磁盘被长期运行的机器人写满
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), zap.InfoLevel))
	}

	Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if Logger == nil {
		log.Fatal("Failed to initialize logger")
	}
}
