package webrtc

import (
	"fmt"

	"classmesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// PeerConnectionFactory builds pion peer connections sharing one API
// instance.
type PeerConnectionFactory struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

var _ ports.PeerConnectionFactory = (*PeerConnectionFactory)(nil)

func NewPeerConnectionFactory(config Config, logger *zap.SugaredLogger) (*PeerConnectionFactory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	return &PeerConnectionFactory{
		config: config,
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(settingEngine),
			webrtc.WithMediaEngine(mediaEngine),
		),
		logger: logger,
	}, nil
}

func (f *PeerConnectionFactory) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &PeerConnection{pc: pc, logger: f.logger}, nil
}
