// Package handlers bundles the built-in node handlers. Provider
// integrations (telephony, email, LLM vendors) live outside the engine
// and register through the same factory interface.
package handlers

import (
	"github.com/voxline/voxline/pkg/handlers/delay"
	"github.com/voxline/voxline/pkg/handlers/httprequest"
	"github.com/voxline/voxline/pkg/handlers/logmsg"
	"github.com/voxline/voxline/pkg/handlers/merge"
	"github.com/voxline/voxline/pkg/handlers/transform"
	"github.com/voxline/voxline/pkg/registry"
)

// RegisterDefaults registers the built-in handlers on a registry.
func RegisterDefaults(reg *registry.Registry) {
	reg.Register(httprequest.NewFactory())
	reg.Register(logmsg.NewFactory())
	reg.Register(transform.NewFactory())
	reg.Register(delay.NewFactory())
	reg.Register(merge.NewFactory())
}
