// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 为 doctor 子命令提供诊断 HTTP 服务器的生命周期管理。

# 核心类型

  - Manager：封装 net/http.Server，提供非阻塞 Start、优雅
    Shutdown 与 WaitForShutdown（监听 SIGINT/SIGTERM）。
  - NewDoctorHandler：注册 /metrics、/diagnostics 与 /healthz，
    仅接受 GET 请求。服务器默认只监听回环地址，不提供执行入口。
*/
package server
