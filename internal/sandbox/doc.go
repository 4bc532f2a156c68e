// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 sandbox 在一次性、资源受限、网络隔离的容器中运行已准入的工具。

# 生命周期

每次执行都经过固定的状态机：

	PENDING → IMAGE_RESOLVING → DIGEST_VERIFYING → CREATING →
	RUNNING → OUTPUT_CAPTURED → TEARDOWN → TERMINATED

任何一步失败都会进入 FAILED，再经过 TEARDOWN 结束。TEARDOWN
使用独立的上下文执行且只执行一次，调用方取消或 panic 都不能跳过。

# 核心类型

  - Manager：驱动状态机，负责镜像拉取（重试、限流、singleflight 去重）、
    摘要校验（常量时间比较）、超时强杀与输出截断。
  - Runtime：容器引擎抽象，DockerRuntime 通过 docker CLI 实现，
    参数始终以 argv 列表传递，凭据只通过环境变量名传递。
  - Spec：单次沙箱描述，默认 cap-drop ALL、no-new-privileges、
    只读根文件系统、65534:65534 用户、无网络。
  - ExtractArtifacts：解析 tar（可选 gzip/zstd）产物，拒绝路径逃逸，
    并为每个文件计算 BLAKE3 摘要。
*/
package sandbox
