// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的工具执行指标采集能力。

# 概述

每个 Collector 持有独立的 prometheus.Registry，通过 promauto.With
注册指标，测试与多实例之间互不干扰。Handler 直接暴露该 Registry，
供 doctor 子命令的 /metrics 端点使用。

# 主要能力

  - 执行指标：按 tool/runner/outcome 统计执行次数与耗时，
    以及输出截断和策略拦截次数。
  - 调度指标：容量、活跃执行数与排队数 Gauge。
  - 沙箱指标：镜像摘要校验结果、生命周期状态转换与回收次数。
*/
package metrics
