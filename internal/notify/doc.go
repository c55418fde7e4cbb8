// Package notify 负责向聊天层广播治理事件。治理核心只依赖 Sink 接口，
// 部署时可以组合日志、Redis 与 RabbitMQ 等多个下游。
package notify
