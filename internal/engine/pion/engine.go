// Package pion implements the connection engine on top of pion/webrtc.
package pion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"secureconnect-callcore/internal/domain"
	"secureconnect-callcore/internal/service/call"
	"secureconnect-callcore/pkg/constants"
)

var (
	errNotInitialized = errors.New("connection engine not initialized")
	errDisposed       = errors.New("connection engine disposed")
	errNoVideo        = errors.New("call has no video")
)

// Camera facings a video call can switch between.
const (
	FacingFront = "front"
	FacingBack  = "back"
)

// Config holds peer connection settings
type Config struct {
	ICEServers        []string
	Username          string
	Credential        string
	RelayOnly         bool
	DisconnectedAfter time.Duration
	FailedAfter       time.Duration
	Logger            *zap.Logger
}

// NewFactory returns an engine factory producing a fresh Engine per call
func NewFactory(cfg Config) call.EngineFactory {
	return func() (call.ConnectionEngine, error) {
		return New(cfg), nil
	}
}

// Engine is a single-use peer connection for one call. Local media is exposed
// as static sample tracks the agent writes into.
type Engine struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	events    call.EngineEvents
	sessionID string
	isVideo   bool

	audio       *webrtc.TrackLocalStaticSample
	audioSender *webrtc.RTPSender
	micEnabled  bool

	cameras       map[string]*webrtc.TrackLocalStaticSample
	facing        string
	videoSender   *webrtc.RTPSender
	cameraEnabled bool

	disposed atomic.Bool
}

// New creates an engine. Initialize must be called before use.
func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, log: log}
}

// Initialize builds the peer connection and attaches local tracks
func (e *Engine) Initialize(ctx context.Context, sessionID string, isVideo bool, events call.EngineEvents) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.disposed.Load() {
		return errDisposed
	}

	api, err := e.newAPI()
	if err != nil {
		return err
	}
	pc, err := api.NewPeerConnection(e.configuration())
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	e.mu.Lock()
	e.pc = pc
	e.events = events
	e.sessionID = sessionID
	e.isVideo = isVideo
	e.log = e.log.With(zap.String("session_id", sessionID))
	e.mu.Unlock()

	e.registerHandlers(pc)

	if err := e.addAudio(pc, sessionID); err != nil {
		_ = pc.Close()
		return err
	}
	if isVideo {
		if err := e.addVideo(pc, sessionID); err != nil {
			_ = pc.Close()
			return err
		}
	}
	e.log.Info("Peer connection ready", zap.Bool("video", isVideo))
	return nil
}

func (e *Engine) newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	if e.cfg.DisconnectedAfter > 0 && e.cfg.FailedAfter > 0 {
		settings.SetICETimeouts(e.cfg.DisconnectedAfter, e.cfg.FailedAfter, constants.ICEKeepaliveInterval)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}

func (e *Engine) configuration() webrtc.Configuration {
	cfg := webrtc.Configuration{ICEServers: iceServers(e.cfg.ICEServers, e.cfg.Username, e.cfg.Credential)}
	if e.cfg.RelayOnly {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg
}

func (e *Engine) registerHandlers(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || e.disposed.Load() {
			return
		}
		if ev := e.listener(); ev != nil {
			ev.OnLocalIceCandidate(fromICECandidateInit(c.ToJSON()))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.log.Info("Peer connection state changed", zap.String("state", state.String()))
		mapped, ok := connectionState(state)
		if !ok || e.disposed.Load() {
			return
		}
		if ev := e.listener(); ev != nil {
			ev.OnConnectionStateChanged(mapped)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Info("Remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		go drain(track)
	})
}

func (e *Engine) addAudio(pc *webrtc.PeerConnection, sessionID string) error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "callcore-"+sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add audio track: %w", err)
	}
	go drainRTCP(sender)

	e.mu.Lock()
	e.audio, e.audioSender, e.micEnabled = track, sender, true
	e.mu.Unlock()
	return nil
}

func (e *Engine) addVideo(pc *webrtc.PeerConnection, sessionID string) error {
	cameras := make(map[string]*webrtc.TrackLocalStaticSample, 2)
	for _, facing := range []string{FacingFront, FacingBack} {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video-"+facing, "callcore-"+sessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to create %s camera track: %w", facing, err)
		}
		cameras[facing] = track
	}
	sender, err := pc.AddTrack(cameras[FacingFront])
	if err != nil {
		return fmt.Errorf("failed to add video track: %w", err)
	}
	go drainRTCP(sender)

	e.mu.Lock()
	e.cameras, e.facing, e.videoSender, e.cameraEnabled = cameras, FacingFront, sender, true
	e.mu.Unlock()
	return nil
}

// CreateOffer creates the local offer and sets it as local description
func (e *Engine) CreateOffer(ctx context.Context) (string, error) {
	pc, err := e.conn(ctx)
	if err != nil {
		return "", err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer applies the remote offer and returns the local answer
func (e *Engine) CreateAnswer(ctx context.Context, remoteSDP string) (string, error) {
	pc, err := e.conn(ctx)
	if err != nil {
		return "", err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteSDP}); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteDescription applies a remote offer or answer
func (e *Engine) SetRemoteDescription(ctx context.Context, sdp string, kind domain.SignalType) error {
	pc, err := e.conn(ctx)
	if err != nil {
		return err
	}
	sdpType, err := sessionDescriptionType(kind)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// AddIceCandidate applies a remote candidate
func (e *Engine) AddIceCandidate(ctx context.Context, candidate domain.IceCandidate) error {
	pc, err := e.conn(ctx)
	if err != nil {
		return err
	}
	if err := pc.AddICECandidate(toICECandidateInit(candidate)); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

// SetMicrophoneEnabled detaches or reattaches the local audio track
func (e *Engine) SetMicrophoneEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.audioSender == nil {
		return errNotInitialized
	}
	if e.micEnabled == enabled {
		return nil
	}
	var track webrtc.TrackLocal
	if enabled {
		track = e.audio
	}
	if err := e.audioSender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("failed to toggle microphone: %w", err)
	}
	e.micEnabled = enabled
	return nil
}

// SetCameraEnabled detaches or reattaches the current camera track
func (e *Engine) SetCameraEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.videoSender == nil {
		return errNoVideo
	}
	if e.cameraEnabled == enabled {
		return nil
	}
	var track webrtc.TrackLocal
	if enabled {
		track = e.cameras[e.facing]
	}
	if err := e.videoSender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("failed to toggle camera: %w", err)
	}
	e.cameraEnabled = enabled
	return nil
}

// SwitchCamera swaps between the front and back camera tracks
func (e *Engine) SwitchCamera() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.videoSender == nil {
		return errNoVideo
	}
	next := FacingBack
	if e.facing == FacingBack {
		next = FacingFront
	}
	if e.cameraEnabled {
		if err := e.videoSender.ReplaceTrack(e.cameras[next]); err != nil {
			return fmt.Errorf("failed to switch camera: %w", err)
		}
	}
	e.facing = next
	return nil
}

// AudioTrack returns the track local audio samples are written to
func (e *Engine) AudioTrack() *webrtc.TrackLocalStaticSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audio
}

// VideoTrack returns the track of the selected camera, or nil on a voice call
func (e *Engine) VideoTrack() *webrtc.TrackLocalStaticSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cameras[e.facing]
}

// Facing reports the selected camera
func (e *Engine) Facing() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.facing
}

// Dispose closes the peer connection. Later calls are no-ops.
func (e *Engine) Dispose() error {
	if !e.disposed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	pc := e.pc
	e.events = nil
	e.mu.Unlock()
	if pc == nil {
		return nil
	}
	if err := pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	e.log.Info("Peer connection closed")
	return nil
}

func (e *Engine) conn(ctx context.Context) (*webrtc.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.disposed.Load() {
		return nil, errDisposed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil {
		return nil, errNotInitialized
	}
	return e.pc, nil
}

func (e *Engine) listener() call.EngineEvents {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

func iceServers(urls []string, username, credential string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, url := range urls {
		server := webrtc.ICEServer{URLs: []string{url}}
		if isTURN(url) {
			server.Username = username
			server.Credential = credential
		}
		servers = append(servers, server)
	}
	return servers
}

func isTURN(url string) bool {
	return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
}

func connectionState(state webrtc.PeerConnectionState) (domain.ConnectionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed, true
	}
	return "", false
}

func sessionDescriptionType(kind domain.SignalType) (webrtc.SDPType, error) {
	switch kind {
	case domain.SignalOffer:
		return webrtc.SDPTypeOffer, nil
	case domain.SignalAnswer:
		return webrtc.SDPTypeAnswer, nil
	}
	return webrtc.SDPTypeUnknown, fmt.Errorf("%q is not a session description", kind)
}

func toICECandidateInit(c domain.IceCandidate) webrtc.ICECandidateInit {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	if c.SDPMLineIndex >= 0 {
		idx := uint16(c.SDPMLineIndex)
		init.SDPMLineIndex = &idx
	}
	return init
}

func fromICECandidateInit(init webrtc.ICECandidateInit) domain.IceCandidate {
	c := domain.IceCandidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = int(*init.SDPMLineIndex)
	}
	return c
}

// drain reads remote RTP so interceptors keep running; playback belongs to the host application.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
