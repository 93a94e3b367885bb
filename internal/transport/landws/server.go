// Package landws receives land-plugin lifecycle events over a websocket and
// applies them to the registry on the world loop.
package landws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"

	"farmplots/internal/metrics"
	"farmplots/internal/protocol"
	"farmplots/internal/sim/bridge"
	"farmplots/internal/sim/plot"
	"farmplots/internal/sim/registry"
	"farmplots/internal/sim/world"
)

type Config struct {
	// Token, when set, must match the HELLO token.
	Token       string
	DedupeTTL   time.Duration
	CallTimeout time.Duration
	Logger      *log.Logger
	Metrics     *metrics.Metrics
}

type Server struct {
	world *world.World
	cfg   Config

	upgrader websocket.Upgrader
	seen     *gocache.Cache
	sessions atomic.Uint64
}

func NewServer(w *world.World, cfg Config) *Server {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &Server{
		world: w,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			// The land plugin is a server process, not a browser.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		seen: gocache.New(cfg.DedupeTTL, 2*cfg.DedupeTTL),
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		plugin, ok := s.handshake(conn)
		if !ok {
			return
		}
		s.printf("land session open plugin=%s remote=%s", plugin, r.RemoteAddr)

		for {
			_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			ack := s.handle(msg)
			if err := writeJSON(conn, ack); err != nil {
				break
			}
		}
		s.printf("land session closed plugin=%s", plugin)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (plugin string, ok bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello || protocol.Validate(protocol.TypeHello, msg) != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return "", false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", false
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return "", false
	}
	if s.cfg.Token != "" && subtle.ConstantTimeCompare([]byte(hello.Token), []byte(s.cfg.Token)) != 1 {
		closeWith(conn, websocket.ClosePolicyViolation, protocol.ErrUnauthorized)
		return "", false
	}

	plots := 0
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()
	_ = s.world.Call(ctx, func(reg *registry.Registry) error {
		plots = reg.Len()
		return nil
	})
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       fmt.Sprintf("land_%d", s.sessions.Add(1)),
		Plots:           plots,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return "", false
	}
	return hello.Plugin, true
}

// handle applies one event message and returns its acknowledgement. Events
// are remembered by event id for DedupeTTL, from the moment they are handed
// to the world loop, so each event id is applied at most once.
func (s *Server) handle(msg []byte) protocol.AckMsg {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return s.reject("", "", protocol.ErrProtoBadRequest, "bad json")
	}
	if base.ProtocolVersion != protocol.Version {
		return s.reject(base.Type, base.EventID, protocol.ErrProtoBadRequest, "bad protocol_version")
	}
	switch base.Type {
	case protocol.TypeRegionDeleted, protocol.TypeOwnershipTransferred:
	default:
		return s.reject(base.Type, base.EventID, protocol.ErrProtoBadRequest, "unsupported type")
	}
	if err := protocol.Validate(base.Type, msg); err != nil {
		return s.reject(base.Type, base.EventID, protocol.ErrProtoBadRequest, err.Error())
	}

	if ack, ok := s.recall(base.Type, base.EventID); ok {
		return ack
	}

	var apply func(reg *registry.Registry) (string, error)
	switch base.Type {
	case protocol.TypeRegionDeleted:
		var m protocol.RegionDeletedMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return s.reject(base.Type, base.EventID, protocol.ErrProtoBadRequest, err.Error())
		}
		ev := bridge.RegionDeleted{Region: m.RegionID}
		if m.Owner != "" {
			ev.Owner, _ = uuid.Parse(m.Owner)
		}
		apply = func(reg *registry.Registry) (string, error) {
			if !bridge.OnRegionDeleted(reg, ev) {
				return "no plot for " + ev.Key(), nil
			}
			return "", nil
		}
	case protocol.TypeOwnershipTransferred:
		var m protocol.OwnershipTransferredMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return s.reject(base.Type, base.EventID, protocol.ErrProtoBadRequest, err.Error())
		}
		prev, perr := uuid.Parse(m.PreviousOwner)
		next, nerr := uuid.Parse(m.NewOwner)
		if perr != nil || nerr != nil {
			return s.reject(base.Type, base.EventID, protocol.ErrProtoBadRequest, "bad owner uuid")
		}
		ev := bridge.OwnershipTransferred{Region: m.RegionID, PreviousOwner: prev, NewOwner: next, NewOwnerName: m.NewOwnerName}
		apply = func(reg *registry.Registry) (string, error) {
			return "", bridge.OnOwnershipTransferred(reg, ev)
		}
	}

	// Claim the event id so a redelivery cannot apply it a second time.
	if err := s.seen.Add(base.EventID, inFlight{}, gocache.DefaultExpiration); err != nil {
		if ack, ok := s.recall(base.Type, base.EventID); ok {
			return ack
		}
	}

	typ, eventID := base.Type, base.EventID
	var ack protocol.AckMsg
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()
	err = s.world.Call(ctx, func(reg *registry.Registry) error {
		note, err := apply(reg)
		ack = s.settle(typ, eventID, note, err)
		return nil
	})
	switch {
	case err == nil:
		return ack
	case errors.Is(err, world.ErrPending):
		// Queued on the loop; the ack is cached when it runs and served to
		// the redelivery.
		s.cfg.Metrics.LandEvent(typ, "pending")
		return protocol.NewAck(eventID, protocol.ErrWorldBusy, "event accepted, result pending")
	default:
		// Never queued; the plugin may resend with the same event id.
		s.seen.Delete(eventID)
		return s.reject(typ, eventID, protocol.ErrWorldBusy, err.Error())
	}
}

// inFlight marks an event id whose world call has not finished.
type inFlight struct{}

// recall answers a redelivered event from the cache.
func (s *Server) recall(typ, eventID string) (protocol.AckMsg, bool) {
	v, ok := s.seen.Get(eventID)
	if !ok {
		return protocol.AckMsg{}, false
	}
	if ack, ok := v.(protocol.AckMsg); ok {
		ack.Duplicate = true
		s.cfg.Metrics.LandEvent(typ, "duplicate")
		return ack, true
	}
	s.cfg.Metrics.LandEvent(typ, "in_flight")
	return protocol.NewAck(eventID, protocol.ErrWorldBusy, "event in progress"), true
}

// settle builds and caches the ack of an applied event. It runs on the world
// loop.
func (s *Server) settle(typ, eventID, note string, err error) protocol.AckMsg {
	ack := protocol.NewAck(eventID, plot.Code(err), note)
	if err != nil {
		ack.Message = err.Error()
		s.printf("land event failed type=%s event_id=%s code=%s err=%v", typ, eventID, ack.Code, err)
	}
	s.seen.SetDefault(eventID, ack)
	s.cfg.Metrics.LandEvent(typ, ack.Code)
	return ack
}

func (s *Server) reject(typ, eventID, code, message string) protocol.AckMsg {
	if typ == "" {
		typ = "unknown"
	}
	s.cfg.Metrics.LandEvent(typ, code)
	return protocol.NewAck(eventID, code, message)
}

func (s *Server) printf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, strings.TrimSpace(reason)), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
