// Package execution 实现已批准提案的链上执行管线。报价问题降级为
// 模拟成交，交易构建之后的问题把提案推入 failed 终态并触发告警。
package execution
