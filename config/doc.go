// Package config 提供 toolguard 的配置管理功能。
//
// 配置优先级为默认值、YAML 文件、TOOLGUARD_ 前缀环境变量，
// 加载完成后由 Validate 统一校验。
//
// registry.allowed_tools 为空时不做准入过滤，清单目录中每个结构合法的
// 清单都视为已通过外部扫描审批，生产部署应显式列出允许的工具。
package config
