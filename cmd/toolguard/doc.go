/*
Package main 提供 toolguard 命令行程序入口。

# 概述

cmd/toolguard 加载 YAML 配置与环境变量覆盖，组装执行引擎，并以子命令形式
暴露给运维与上层编排系统。执行结果以 JSON 写到 stdout，日志写到 stderr。

# 子命令

  - run      执行一次工具，进程退出码跟随工具退出码
  - doctor   探测每个工具的 native/sandbox 可用性与最近一次镜像校验
  - tools    列出已准入与被拒绝的工具清单
  - version  打印构建信息

# 退出码

  - 0  工具成功退出
  - N  工具以非零状态 N 退出
  - 1  引擎或运行时故障
  - 2  参数错误
  - 3  被隐身策略或代理校验拒绝
*/
package main
