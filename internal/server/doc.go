// 版权所有 2024 AgentRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理。

Manager 封装 net/http.Server：Start 非阻塞监听，Run 阻塞直到
context 结束或服务异常，再在 ShutdownTimeout 内优雅关闭。配置了
证书与私钥时以 HTTPS 提供服务。信号处理由调用方通过
signal.NotifyContext 完成。
*/
package server
