// Package swap 对接外部交易聚合器，提供询价、美元价格推导与兑换交易构建。
// 聚合器不可用时询价会降级为静态价格表生成的模拟报价，保证治理流程不被阻塞。
package swap
