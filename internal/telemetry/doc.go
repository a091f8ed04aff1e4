// Package telemetry 提供 OpenTelemetry SDK 初始化，以及沙箱操作与 agent 事件的分析 sink。
package telemetry
