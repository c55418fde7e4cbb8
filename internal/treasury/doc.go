// Package treasury 封装金库钱包的链上访问能力，包括余额预言机、
// ERC-20 调用编码以及交易与 EIP-712 permit 的签名。
package treasury
