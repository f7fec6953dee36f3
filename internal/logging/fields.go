package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 url/key/模式等字段，供引擎与监控日志复用。
func RequestFields(action, rawURL, key, mode, invocation string) logrus.Fields {
	fields := logrus.Fields{
		"action": action,
		"url":    rawURL,
		"key":    key,
		"mode":   mode,
	}
	if invocation != "" {
		fields["invocation"] = invocation
	}
	return fields
}
