// Package config 提供 AgentRun 的配置加载。
//
// 配置按 默认值 → YAML 文件 → AGENTRUN_ 前缀环境变量 的顺序合并，
// Validate 一次性报告全部问题。
package config
