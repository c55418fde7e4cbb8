// Package member 管理成员会话与频道名册。会话注册表在认证时创建、
// 断开时移除，代理配置以只读接口暴露给治理核心。
package member
