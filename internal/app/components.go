package app

import (
	"github.com/stacklok/toolhive-pub-registry/internal/archive"
	"github.com/stacklok/toolhive-pub-registry/internal/auth"
	"github.com/stacklok/toolhive-pub-registry/internal/index"
	"github.com/stacklok/toolhive-pub-registry/internal/registry"
	"github.com/stacklok/toolhive-pub-registry/internal/staging"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Staging holds uploads between content upload and finalize
	Staging *staging.Store

	// Index persists per-package version lists
	Index *index.Store

	// Archives persists uploaded package archives
	Archives *archive.Store

	// Gate authenticates publish requests
	Gate *auth.Gate

	// Service provides registry business logic
	Service registry.Service
}
