//go:build v8

package sapi

import (
	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/v8engine"
)

func newBackend() core.Backend {
	return v8engine.NewBackend()
}
