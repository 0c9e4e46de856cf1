// Package peer implements the media contract on Pion WebRTC.
package peer

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"medilink-signal/internal/media"
)

type FactoryOptions struct {
	// ICE timeouts; zero values fall back to the defaults below.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	Logger              *zap.Logger
}

// Factory builds peer connections sharing one configured Pion API.
type Factory struct {
	api    *webrtc.API
	logger *zap.Logger
}

func NewFactory(opts FactoryOptions) (*Factory, error) {
	if opts.DisconnectedTimeout == 0 {
		opts.DisconnectedTimeout = 10 * time.Second
	}
	if opts.FailedTimeout == 0 {
		opts.FailedTimeout = 30 * time.Second
	}
	if opts.KeepAliveInterval == 0 {
		opts.KeepAliveInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, logger: opts.Logger}, nil
}

func (f *Factory) NewPeerConnection(iceServers []media.ICEServer) (media.PeerConnection, error) {
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, s := range iceServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	return &PeerConnection{pc: pc, logger: f.logger}, nil
}

var _ media.Factory = (*Factory)(nil)
