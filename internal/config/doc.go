// Package config 负责加载守护进程的 JSON 配置并填充默认值。
package config
