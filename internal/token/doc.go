// Package token 维护金库支持的代币注册表，提供符号/地址解析以及
// 十进制金额与链上最小单位之间的无损换算。
package token
