// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 toolguard 执行引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 engine、scheduler、
sandbox、native、netguard 等模块提供统一的数据契约，避免循环依赖。

# 核心类型

  - ToolDescriptor  ：已准入工具的不可变定义（模式、隐身兼容性、镜像摘要、资源配额）
  - ImageRef        ：固定 sha256 摘要的沙箱镜像引用
  - ResourceProfile ：内存、CPU 份额、进程数上限
  - ExecutionRequest：一次工具调用请求（目标、参数、RequestConfig）
  - ExecutionResult ：一次调用的唯一结果（输出、退出码、耗时、Outcome）
  - NetworkConfig   ：经过 SSRF 校验的代理配置，携带已解析地址
  - Error / ErrorKind：结构化错误体系

# 错误分类

ToolUnavailable、ImageUnavailable、ImageVerificationFailed、
SandboxCreationFailed、ExecutionTimeout、NonZeroExit、
ProxyValidationFailed、StealthPolicyViolation，以及告警级别的
OutputTruncated。调用方通过 KindOf / IsKind 区分"策略拦截"与"工具失败"。
*/
package types
