//go:build !linux

package fib

import (
	"errors"

	"go.uber.org/zap"
)

func importKernelRoutes(Engine, *zap.SugaredLogger) (int, error) {
	return 0, errors.New("kernel route import is only supported on linux")
}
