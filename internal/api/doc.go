// Package api 暴露治理引擎的 REST 接口。聊天网关通过这里创建提案、
// 投票、管理会话与名册，所有多数判定与状态翻转都发生在 proposal 包内。
package api
