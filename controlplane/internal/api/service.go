package api

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/controlplane/internal/control"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
	"github.com/dove-platform/dgw/controlplane/internal/version"
)

// Service implements the dgw.Gateway methods on top of the control task.
type Service struct {
	ctrl *control.Controller
	log  *zap.SugaredLogger
}

func NewService(ctrl *control.Controller, log *zap.SugaredLogger) *Service {
	return &Service{
		ctrl: ctrl,
		log:  log,
	}
}

func (m *Service) CreateService(ctx context.Context, req *CreateServiceRequest) (*Empty, error) {
	return &Empty{}, m.ctrl.CreateService(ctx, req.Name, req.Type)
}

func (m *Service) DeleteService(ctx context.Context, req *ServiceRequest) (*Empty, error) {
	return &Empty{}, m.ctrl.DeleteService(ctx, req.Name)
}

func (m *Service) SetServiceAttributes(ctx context.Context, req *SetServiceAttributesRequest) (*Empty, error) {
	return &Empty{}, m.ctrl.SetServiceAttributes(ctx, req.Name, req.MTU, req.Enabled)
}

func (m *Service) ListServices(ctx context.Context, req *ListServicesRequest) (*ListServicesResponse, error) {
	views, err := m.ctrl.ListServices(ctx, req.Pattern)
	if err != nil {
		return nil, err
	}
	return &ListServicesResponse{Services: views}, nil
}

func (m *Service) ShowService(ctx context.Context, req *ServiceRequest) (*registry.View, error) {
	view, err := m.ctrl.ShowService(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

type mutator[T any] func(ctx context.Context, name string, v T) error

func mutate[T any](ctx context.Context, req *Mutation[T], add mutator[T], del mutator[T]) (*Empty, error) {
	if req.Service == "" {
		return nil, fmt.Errorf("%w: service name is required", xerror.ErrConfiguration)
	}
	if req.Remove {
		return &Empty{}, del(ctx, req.Service, req.Record)
	}
	return &Empty{}, add(ctx, req.Service, req.Record)
}

func (m *Service) InterfaceIP(ctx context.Context, req *Mutation[registry.InterfaceIP]) (*Empty, error) {
	del := func(ctx context.Context, name string, v registry.InterfaceIP) error {
		return m.ctrl.DeleteInterfaceIP(ctx, name, v.Address.Addr())
	}
	return mutate(ctx, req, m.ctrl.AddInterfaceIP, del)
}

func (m *Service) DomainVLAN(ctx context.Context, req *Mutation[registry.DomainVLAN]) (*Empty, error) {
	del := func(ctx context.Context, name string, v registry.DomainVLAN) error {
		return m.ctrl.DeleteDomainVLAN(ctx, name, v.Domain)
	}
	return mutate(ctx, req, m.ctrl.AddDomainVLAN, del)
}

func (m *Service) MAC(ctx context.Context, req *Mutation[registry.MAC]) (*Empty, error) {
	return mutate(ctx, req, m.ctrl.AddMAC, m.ctrl.DeleteMAC)
}

func (m *Service) Domain(ctx context.Context, req *Mutation[uint32]) (*Empty, error) {
	return mutate(ctx, req, m.ctrl.AddDomain, m.ctrl.DeleteDomain)
}

func (m *Service) InternalVIP(ctx context.Context, req *Mutation[registry.InternalVIP]) (*Empty, error) {
	return mutate(ctx, req, m.ctrl.AddInternalVIP, m.ctrl.DeleteInternalVIP)
}

func (m *Service) ForwardRule(ctx context.Context, req *Mutation[registry.ForwardRule]) (*Empty, error) {
	return mutate(ctx, req, m.ctrl.AddForwardRule, m.ctrl.DeleteForwardRule)
}

func (m *Service) ExternalVIP(ctx context.Context, req *Mutation[registry.ExternalVIP]) (*Empty, error) {
	return mutate(ctx, req, m.ctrl.AddExternalVIP, m.ctrl.DeleteExternalVIP)
}

func (m *Service) VNIDSubnet(ctx context.Context, req *Mutation[registry.VNIDSubnet]) (*Empty, error) {
	return mutate(ctx, req, m.ctrl.AddVNIDSubnet, m.ctrl.DeleteVNIDSubnet)
}

func (m *Service) ExtSharedVNID(ctx context.Context, req *Mutation[registry.ExtSharedVNID]) (*Empty, error) {
	return mutate(ctx, req, m.ctrl.AddExtSharedVNID, m.ctrl.DeleteExtSharedVNID)
}

func (m *Service) ExtMcastVNID(ctx context.Context, req *Mutation[registry.ExtMcastVNID]) (*Empty, error) {
	return mutate(ctx, req, m.ctrl.AddExtMcastVNID, m.ctrl.DeleteExtMcastVNID)
}

func (m *Service) SetOverlayIP(ctx context.Context, req *AddrRequest) (*Empty, error) {
	return &Empty{}, m.ctrl.SetOverlayIP(ctx, req.IP)
}

func (m *Service) SetDMCIP(ctx context.Context, req *AddrRequest) (*Empty, error) {
	return &Empty{}, m.ctrl.SetDMCIP(ctx, req.IP)
}

func (m *Service) SetOverlayPort(ctx context.Context, req *OverlayPortRequest) (*Empty, error) {
	return &Empty{}, m.ctrl.SetOverlayPort(ctx, req.Port)
}

func (m *Service) SetDPSServer(ctx context.Context, req *DPSServerRequest) (*Empty, error) {
	return &Empty{}, m.ctrl.SetDPSServer(ctx, req.Addr)
}

func (m *Service) SetPeer(ctx context.Context, req *AddrRequest) (*Empty, error) {
	return &Empty{}, m.ctrl.SetPeer(ctx, req.IP)
}

func (m *Service) SetEnabled(ctx context.Context, req *EnabledRequest) (*Empty, error) {
	return &Empty{}, m.ctrl.SetEnabled(ctx, req.Enabled)
}

func (m *Service) ResetStats(ctx context.Context, req *Empty) (*Empty, error) {
	return &Empty{}, m.ctrl.ResetStats(ctx)
}

func (m *Service) Resolve(ctx context.Context, req *ResolveRequest) (*Empty, error) {
	if !req.IP.Is4() {
		return nil, fmt.Errorf("%w: endpoint IP must be IPv4", xerror.ErrConfiguration)
	}
	return &Empty{}, m.ctrl.Resolve(ctx, req.Domain, req.IP)
}

func (m *Service) RequestBroadcastList(ctx context.Context, req *VNIDRequest) (*Empty, error) {
	return &Empty{}, m.ctrl.RequestBroadcastList(ctx, req.VNID)
}

func (m *Service) RequestGatewayList(ctx context.Context, req *VNIDRequest) (*Empty, error) {
	return &Empty{}, m.ctrl.RequestGatewayList(ctx, req.VNID, req.Role)
}

func (m *Service) Status(ctx context.Context, req *Empty) (*control.Status, error) {
	s := m.ctrl.Status()
	return &s, nil
}

func (m *Service) Save(ctx context.Context, req *Empty) (*Empty, error) {
	return &Empty{}, m.ctrl.Save(ctx)
}

// UpdateLogLevel updates the minimum logging level.
func (m *Service) UpdateLogLevel(ctx context.Context, req *LogLevelRequest) (*Empty, error) {
	atom := m.ctrl.Node.LogLevel()
	if atom == nil {
		return nil, status.Errorf(codes.Unimplemented, "service doesn't support setting log level dynamically")
	}

	level, err := zapcore.ParseLevel(req.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse logging level: %w", xerror.ErrConfiguration, err)
	}

	atom.SetLevel(level)
	m.log.Infof("updated log level to %q", level)
	return &Empty{}, nil
}

func (m *Service) Version(ctx context.Context, req *Empty) (*VersionResponse, error) {
	return &VersionResponse{Version: version.Version()}, nil
}

