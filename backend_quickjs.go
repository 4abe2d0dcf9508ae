//go:build !v8

package sapi

import (
	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/quickjs"
)

func newBackend() core.Backend {
	return quickjs.NewBackend()
}
