// Package proposal 实现金库兑换提案的完整生命周期：创建时完成询价与
// 余额校验，协调器串行化计票并在赞成票越过成员快照的严格多数时触发
// 执行，代理投票器代表启用了委托的成员在自主额度内自动投票。
package proposal
