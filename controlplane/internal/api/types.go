package api

import (
	"net/netip"

	"github.com/dove-platform/dgw/controlplane/internal/dps"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

// Empty is the request or response of methods carrying no data.
type Empty struct{}

type CreateServiceRequest struct {
	Name string               `json:"name"`
	Type registry.ServiceType `json:"type"`
}

type ServiceRequest struct {
	Name string `json:"name"`
}

type SetServiceAttributesRequest struct {
	Name    string `json:"name"`
	MTU     uint16 `json:"mtu"`
	Enabled bool   `json:"enabled"`
}

type ListServicesRequest struct {
	// Pattern is a glob over service names, empty matches every service.
	Pattern string `json:"pattern,omitempty"`
}

type ListServicesResponse struct {
	Services []registry.View `json:"services" yaml:"services"`
}

// Mutation adds Record to the service, or removes the record keyed like it
// when Remove is set.
type Mutation[T any] struct {
	Service string `json:"service"`
	Record  T      `json:"record"`
	Remove  bool   `json:"remove,omitempty"`
}

type AddrRequest struct {
	IP netip.Addr `json:"ip"`
}

type OverlayPortRequest struct {
	Port uint16 `json:"port"`
}

type DPSServerRequest struct {
	Addr netip.AddrPort `json:"addr"`
}

type EnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type ResolveRequest struct {
	Domain uint32     `json:"domain"`
	IP     netip.Addr `json:"ip"`
}

type VNIDRequest struct {
	VNID uint32   `json:"vnid"`
	Role dps.Role `json:"role,omitempty"`
}

type LogLevelRequest struct {
	Level string `json:"level"`
}

type VersionResponse struct {
	Version string `json:"version" yaml:"version"`
}
