package migrations

import "embed"

// Files 暴露按数据库方言划分的 SQL 迁移文件。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS
