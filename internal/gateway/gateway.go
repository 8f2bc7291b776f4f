// Package gateway connects the WebSocket transport to the relay core. It
// admits connections through the moderation gate, joins them to the pairing
// engine, routes client messages to the relay and report flow, and turns
// engine and registry events into frames.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/whisper/video-relay/internal/ban"
	"github.com/whisper/video-relay/internal/geo"
	"github.com/whisper/video-relay/internal/messaging"
	"github.com/whisper/video-relay/internal/moderation"
	"github.com/whisper/video-relay/internal/pairing"
	"github.com/whisper/video-relay/internal/protocol"
	"github.com/whisper/video-relay/internal/ratelimit"
	"github.com/whisper/video-relay/internal/registry"
	"github.com/whisper/video-relay/internal/relay"
	"github.com/whisper/video-relay/internal/ws"
)

const defaultGeoTimeout = 2 * time.Second

// Config holds the gateway settings.
type Config struct {
	Server         ws.ServerConfig
	ConnectRule    ratelimit.Rule
	Reports        moderation.ServiceConfig
	MaxSignalBytes int
	GeoTimeout     time.Duration
	ICEServers     []webrtc.ICEServer
	Instance       string // name published with presence events
}

// Deps are the collaborators the gateway uses. Geo, Events and Audit are
// optional.
type Deps struct {
	Bans    *ban.Store
	Limiter ratelimit.Limiter
	Geo     geo.Locator
	Events  messaging.Publisher
	Audit   moderation.AuditSink
}

// Gateway owns the transport server and the core objects behind it.
type Gateway struct {
	config  Config
	server  *ws.Server
	reg     *registry.Registry
	engine  *pairing.Engine
	relay   *relay.Relay
	gate    *moderation.Gate
	reports *moderation.Service
	geo     geo.Locator
	events  messaging.Publisher
	log     *zap.Logger

	presence chan struct{} // coalesced presence-change signal
}

// New builds the gateway and its transport server. Call Run to start the
// presence broadcaster and Server().Start to accept connections.
func New(config Config, deps Deps, log *zap.Logger) *Gateway {
	if config.GeoTimeout <= 0 {
		config.GeoTimeout = defaultGeoTimeout
	}
	if deps.Geo == nil {
		deps.Geo = geo.Nop{}
	}
	if deps.Events == nil {
		deps.Events = messaging.Nop{}
	}

	g := &Gateway{
		config:   config,
		reg:      registry.New(),
		geo:      deps.Geo,
		events:   deps.Events,
		log:      log.Named("gateway"),
		presence: make(chan struct{}, 1),
	}

	dispatcher := ws.NewMessageDispatcher(nil, log.Named("dispatch"))
	g.server = ws.NewServer(config.Server, log.Named("ws"), dispatcher.Dispatch)
	dispatcher.SetServer(g.server)

	g.engine = pairing.NewEngine(g.reg, notifier{g}, log.Named("pairing"))
	g.relay = relay.New(g.engine, g.server, log.Named("relay"), config.MaxSignalBytes)
	g.gate = moderation.NewGate(deps.Bans, deps.Limiter, config.ConnectRule, log.Named("gate"))
	g.reports = moderation.NewService(config.Reports, g.engine, g.reg, deps.Bans, deps.Limiter,
		g.server, deps.Audit, deps.Events, log.Named("moderation"))

	g.reg.Subscribe(func(registry.PresenceEvent) {
		select {
		case g.presence <- struct{}{}:
		default:
		}
	})

	g.server.SetAdmission(g.admit)
	g.server.SetOnConnect(g.onConnect)
	g.server.SetOnDisconnect(g.engine.Disconnect)
	g.server.SetHealthStats(g.healthStats)
	g.server.Handle("/ice", http.HandlerFunc(g.handleICE))

	dispatcher.Register(protocol.TypeOffer, g.handleOffer)
	dispatcher.Register(protocol.TypeAnswer, g.handleAnswer)
	dispatcher.Register(protocol.TypeCandidate, g.handleCandidate)
	dispatcher.Register(protocol.TypeNext, g.handleNext)
	dispatcher.Register(protocol.TypeReport, g.handleReport)

	return g
}

// Server returns the transport server.
func (g *Gateway) Server() *ws.Server {
	return g.server
}

// Engine returns the pairing engine.
func (g *Gateway) Engine() *pairing.Engine {
	return g.engine
}

// Run broadcasts the online list after presence changes until ctx is done.
// Bursts of changes are coalesced into one broadcast.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.presence:
			g.broadcastPresence()
		}
	}
}

func (g *Gateway) broadcastPresence() {
	users := g.reg.ListIDs()
	if users == nil {
		users = []string{}
	}

	frame, err := protocol.NewServerMessage(protocol.TypeUpdateUsers, protocol.UpdateUsersMsg{
		Count: len(users),
		Users: users,
	})
	if err != nil {
		g.log.Error("failed to build presence message", zap.Error(err))
		return
	}
	for _, c := range g.server.Connections().Broadcast(frame) {
		g.log.Warn("send queue full on presence broadcast, evicting", zap.String("session", c.ID))
		go g.server.RemoveConnection(c)
	}

	err = g.events.PublishPresence(messaging.PresenceEvent{
		Instance: g.config.Instance,
		Count:    len(users),
		Ts:       time.Now().UnixMilli(),
	})
	if err != nil {
		g.log.Warn("failed to publish presence", zap.Error(err))
	}
}

// admit runs the moderation gate for a freshly upgraded connection.
func (g *Gateway) admit(ctx context.Context, ip string) ([]byte, bool) {
	verdict := g.gate.Check(ctx, ip)

	var (
		frame []byte
		err   error
	)
	switch verdict.Decision {
	case moderation.Admit:
		return nil, true
	case moderation.RejectRateLimited:
		frame, err = protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeRateLimited,
			Message: "too many connections, try again later",
		})
	case moderation.RejectBanned:
		frame, err = protocol.NewServerMessage(protocol.TypeBanned, moderation.BannedMessage(verdict.Ban))
	}
	if err != nil {
		g.log.Error("failed to build rejection", zap.Stringer("decision", verdict.Decision), zap.Error(err))
		return nil, false
	}
	return frame, false
}

// onConnect tells the client its session id and joins it to matchmaking.
// The country lookup runs in the background and never delays matching.
func (g *Gateway) onConnect(c *ws.Connection) error {
	g.send(c.ID, protocol.TypeSession, protocol.SessionMsg{ID: c.ID})

	ep := registry.NewEndpoint(c.ID, c.RemoteIP)
	if err := g.engine.Join(ep); err != nil {
		g.log.Error("failed to join endpoint", zap.String("session", c.ID), zap.Error(err))
		g.send(c.ID, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeInternal,
			Message: "session could not be created",
		})
		return err
	}

	g.send(c.ID, protocol.TypeUserList, protocol.UserListMsg{Users: g.reg.ListIDs()})

	go g.locate(ep)
	return nil
}

func (g *Gateway) locate(ep *registry.Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.GeoTimeout)
	defer cancel()

	country, err := g.geo.Country(ctx, ep.RemoteAddr)
	if err != nil {
		g.log.Debug("geolocation failed", zap.String("session", ep.ID), zap.Error(err))
		return
	}
	if country != "" {
		ep.SetCountry(country)
	}
}

func (g *Gateway) healthStats() (int, int) {
	waiting := 0
	if _, ok := g.engine.Waiting(); ok {
		waiting = 1
	}
	return waiting, g.engine.Pairs()
}

func (g *Gateway) handleICE(w http.ResponseWriter, r *http.Request) {
	servers := g.config.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}{servers})
}

// ---------------------------------------------------------------------------
// Message handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleOffer(conn *ws.Connection, msg interface{}) {
	if m, ok := msg.(protocol.OfferMsg); ok {
		g.relay.Forward(conn.ID, m.Signal())
	}
}

func (g *Gateway) handleAnswer(conn *ws.Connection, msg interface{}) {
	if m, ok := msg.(protocol.AnswerMsg); ok {
		g.relay.Forward(conn.ID, m.Signal())
	}
}

func (g *Gateway) handleCandidate(conn *ws.Connection, msg interface{}) {
	if m, ok := msg.(protocol.CandidateMsg); ok {
		g.relay.Forward(conn.ID, m.Signal())
	}
}

func (g *Gateway) handleNext(conn *ws.Connection, _ interface{}) {
	if err := g.engine.Next(conn.ID); err != nil {
		g.log.Warn("next from unknown endpoint", zap.String("session", conn.ID), zap.Error(err))
	}
}

func (g *Gateway) handleReport(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ReportMsg)
	if !ok {
		return
	}
	g.reports.Report(context.Background(), conn.ID, m.Reason, m.Evidence)
}

// send queues a server message for id. Delivery failures are logged only.
func (g *Gateway) send(id, msgType string, payload interface{}) {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.log.Error("failed to build message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := g.server.Send(id, frame); err != nil {
		g.log.Debug("message not delivered", zap.String("session", id), zap.String("type", msgType), zap.Error(err))
	}
}

// notifier turns pairing transitions into frames. Its methods run under the
// engine lock and only enqueue.
type notifier struct {
	g *Gateway
}

func (n notifier) Waiting(id string) {
	n.g.send(id, protocol.TypeWaiting, protocol.WaitingMsg{})
}

func (n notifier) Matched(id, partnerID string, initiator bool) {
	msg := protocol.MatchedMsg{PartnerID: partnerID, IsInitiator: initiator}
	if ep := n.g.reg.Get(partnerID); ep != nil {
		msg.Country = ep.Country()
	}
	n.g.send(id, protocol.TypeMatched, msg)
}

func (n notifier) PartnerLeft(id string) {
	n.g.send(id, protocol.TypeDisconnected, protocol.DisconnectedMsg{})
}
