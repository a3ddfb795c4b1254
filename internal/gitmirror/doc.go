// Package gitmirror 维护 git smart/dumb HTTP 客户端所需的本地裸仓库镜像。
//
// 首次访问某个仓库时执行 git clone --bare 与 update-server-info，之后以静态文件
// 方式提供 info/refs、objects 等内容；Reload 依次对全部镜像执行 fetch 刷新。
package gitmirror
