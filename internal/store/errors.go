package store

import (
	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
)

// ErrDuplicate 表示插入的记录主键或唯一键已存在。
var ErrDuplicate = xerrors.New(xerrors.CodeConflict, "duplicate record", xerrors.WithReason("duplicate"))

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = xerrors.New(xerrors.CodeInvalidArgument, "unsupported storage driver")

// casConflict 构造条件更新失败的错误。状态一致时说明是版本号竞争。
func casConflict(kind, id, expected, actual string) error {
	if expected == actual {
		return xerrors.New(domain.CodeStateConflict, kind+" was modified concurrently",
			xerrors.WithReason("concurrent_update"),
			xerrors.WithMetadata("kind", kind),
			xerrors.WithMetadata("id", id),
		)
	}
	return domain.StateConflict(kind, id, expected, actual)
}

func storageFailure(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message, xerrors.WithReason("storage_failure"))
}
