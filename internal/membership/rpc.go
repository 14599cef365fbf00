package membership

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Wire verb names, registered as methods of the verbsRPC service name
// (net/rpc dispatches "Service.Method"), generalizing the teacher's single
// "GossReceiver.Gossip" verb into the six of §6.
const verbsServiceName = "Verbs"

// SynMessage is GOSSIP_DIGEST_SYN's request body.
type SynMessage struct {
	ClusterName     string
	PartitionerName string
	Digests         []Digest
}

// AckMessage carries GOSSIP_DIGEST_SYN's reply content: it plays the role
// of the spec's separately-dispatched GOSSIP_DIGEST_ACK verb, folded into
// the SYN round trip's net/rpc reply (see DESIGN.md for why: an
// RPC-reply-carries-the-ACK model is the natural net/rpc idiom the teacher
// already uses, rather than a second push-style verb with no stdlib
// transport primitive to carry it).
type AckMessage struct {
	RequestDigests []Digest
	Deltas         map[Addr]EndpointState
}

// Ack2Message is GOSSIP_DIGEST_ACK2's request body; it has no reply.
type Ack2Message struct {
	Deltas map[Addr]EndpointState
}

// EchoRequest is GOSSIP_ECHO's request body.
type EchoRequest struct {
	Generation    int32
	HasGeneration bool
}

// EchoReply is GOSSIP_ECHO's (empty, on success) reply.
type EchoReply struct{}

// ShutdownMessage is GOSSIP_SHUTDOWN's request body (no-wait).
type ShutdownMessage struct {
	From          Addr
	Generation    int32
	HasGeneration bool
}

// GetEndpointStatesRequest is GOSSIP_GET_ENDPOINT_STATES's request body.
type GetEndpointStatesRequest struct {
	WantedKeys []ApplicationStateKey
}

// GetEndpointStatesReply is GOSSIP_GET_ENDPOINT_STATES's reply.
type GetEndpointStatesReply struct {
	States map[Addr]EndpointState
}

// Gate admits background message-handling work only while enabled and
// tracks it so Drain can block until every in-flight task has drained
// (§4.7, §5, §9 "Background task supervision").
type Gate struct {
	mu      sync.Mutex
	enabled bool
	wg      sync.WaitGroup
}

func NewGate() *Gate {
	return &Gate{enabled: true}
}

func (g *Gate) SetEnabled(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = v
}

// Enter admits one unit of background work. ok is false if the gate is
// disabled; otherwise the caller must call the returned release exactly
// once when the work completes.
func (g *Gate) Enter() (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return nil, false
	}
	g.wg.Add(1)
	return g.wg.Done, true
}

// Drain blocks until every entered unit of work has released.
func (g *Gate) Drain() {
	g.wg.Wait()
}

// VerbHandlers is the set of callbacks the RPC surface dispatches into;
// Engine implements this (kept as an interface so rpc.go has no import
// cycle on antientropy.go's concrete type and so tests can substitute a
// fake).
// HandleAck is not part of this interface: the ACK is the reply to our own
// outbound SYN call (see AckMessage's doc comment), so its receipt is
// handled directly by whatever issued the SendSyn call, not dispatched
// through the verb surface.
type VerbHandlers interface {
	HandleSyn(from Addr, msg SynMessage) (AckMessage, error)
	HandleAck2(from Addr, msg Ack2Message) error
	HandleEcho(from Addr, msg EchoRequest) error
	HandleShutdown(from Addr, msg ShutdownMessage)
	HandleGetEndpointStates(from Addr, req GetEndpointStatesRequest) (GetEndpointStatesReply, error)
}

// verbsRPC is the net/rpc-registered receiver: each exported method is one
// wire verb. Incoming handlers run on whatever goroutine net/rpc dispatches
// them on ("arbitrary cores" per §4.7) and funnel through the gate, which
// "admits work only while enabled" and "swallows and logs exceptions by
// verb name".
type verbsRPC struct {
	log      zerolog.Logger
	gate     *Gate
	handlers VerbHandlers
	selfAddr Addr
}

func (v *verbsRPC) dispatch(verb string, from Addr, fn func() error) error {
	release, ok := v.gate.Enter()
	if !ok {
		return fmt.Errorf("membership: gate closed, dropping %s from %s", verb, from)
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			v.log.Error().Str("verb", verb).Str("from", string(from)).Interface("panic", r).Msg("verb handler panicked")
		}
	}()
	if err := fn(); err != nil {
		v.log.Warn().Err(err).Str("verb", verb).Str("from", string(from)).Msg("verb handler error")
		return err
	}
	return nil
}

// synEnvelope/ack2Envelope/echoEnvelope/shutdownEnvelope/getEnvelope wrap
// each verb's body with the sender's address, since net/rpc's Call/Reply
// signature carries no header the way a real framed transport would.
type synEnvelope struct {
	From Addr
	Msg  SynMessage
}
type ack2Envelope struct {
	From Addr
	Msg  Ack2Message
}
type echoEnvelope struct {
	From Addr
	Msg  EchoRequest
}
type shutdownEnvelope struct {
	From Addr
	Msg  ShutdownMessage
}
type getEndpointStatesEnvelope struct {
	From Addr
	Req  GetEndpointStatesRequest
}

// Syn handles GOSSIP_DIGEST_SYN: examine_gossiper runs inside HandleSyn and
// its result is returned directly as the RPC reply, playing the role of
// GOSSIP_DIGEST_ACK (see AckMessage's doc comment).
func (v *verbsRPC) Syn(args *synEnvelope, reply *AckMessage) error {
	return v.dispatch("SYN", args.From, func() error {
		ack, err := v.handlers.HandleSyn(args.From, args.Msg)
		if err != nil {
			return err
		}
		*reply = ack
		return nil
	})
}

// Ack2 handles GOSSIP_DIGEST_ACK2. No reply content.
func (v *verbsRPC) Ack2(args *ack2Envelope, reply *struct{}) error {
	return v.dispatch("ACK2", args.From, func() error {
		return v.handlers.HandleAck2(args.From, args.Msg)
	})
}

// Echo handles GOSSIP_ECHO.
func (v *verbsRPC) Echo(args *echoEnvelope, reply *EchoReply) error {
	return v.dispatch("ECHO", args.From, func() error {
		if err := v.handlers.HandleEcho(args.From, args.Msg); err != nil {
			return err
		}
		*reply = EchoReply{}
		return nil
	})
}

// Shutdown handles GOSSIP_SHUTDOWN: no-wait, so the handler never returns
// an error to the caller even if it swallows one internally.
func (v *verbsRPC) Shutdown(args *shutdownEnvelope, reply *struct{}) error {
	_ = v.dispatch("SHUTDOWN", args.From, func() error {
		v.handlers.HandleShutdown(args.From, args.Msg)
		return nil
	})
	return nil
}

// GetEndpointStates handles GOSSIP_GET_ENDPOINT_STATES, used by the shadow
// round (§4.5). Not coalesced, per §4.7.
func (v *verbsRPC) GetEndpointStates(args *getEndpointStatesEnvelope, reply *GetEndpointStatesReply) error {
	return v.dispatch("GET_ENDPOINT_STATES", args.From, func() error {
		r, err := v.handlers.HandleGetEndpointStates(args.From, args.Req)
		if err != nil {
			return err
		}
		*reply = r
		return nil
	})
}

// Server hosts the verb RPC surface over TCP, generalizing the teacher's
// Gossiper.Serve/serveLoop into a dedicated type.
type Server struct {
	log      zerolog.Logger
	gate     *Gate
	engine   *rpc.Server
	listener net.Listener
}

// NewServer registers handlers under the Verbs service name and starts
// accepting connections on bindAddr. gate is the same admission gate
// passed to NewEngine: inbound verb dispatch (verbsRPC.dispatch) and the
// engine's outbound fire-and-forget sends (sendSynAsync, sendAck2Async,
// runMarkAliveHandshake) share one Gate, so disabling and draining it
// once, from Server.Gate(), covers both directions (§4.9, §9).
func NewServer(bindAddr string, selfAddr Addr, gate *Gate, handlers VerbHandlers, log zerolog.Logger) (*Server, error) {
	engine := rpc.NewServer()
	v := &verbsRPC{log: log.With().Str("component", "rpc").Logger(), gate: gate, handlers: handlers, selfAddr: selfAddr}
	if err := engine.RegisterName(verbsServiceName, v); err != nil {
		return nil, err
	}

	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	s := &Server{log: log, gate: gate, engine: engine, listener: l}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.engine.ServeConn(conn)
	}
}

// Close stops accepting new connections and disables the gate; callers
// should call Gate().Drain() afterward to wait for in-flight handlers.
func (s *Server) Close() error {
	s.gate.SetEnabled(false)
	return s.listener.Close()
}

func (s *Server) Gate() *Gate { return s.gate }

// Client dials peer RPC servers on demand, matching the teacher's
// per-call rpc.Dial pattern (gossiper.go's gossipRound).
type Client struct {
	dialTimeout time.Duration
}

func NewClient(dialTimeout time.Duration) *Client {
	return &Client{dialTimeout: dialTimeout}
}

func (c *Client) dial(addr Addr) (*rpc.Client, error) {
	conn, err := net.DialTimeout("tcp", string(addr), c.dialTimeout)
	if err != nil {
		return nil, err
	}
	return rpc.NewClient(conn), nil
}

// SendSyn sends a SYN and returns the peer's ACK. Transport errors are
// returned to the caller, who is responsible for swallowing them (§4.3
// step 5: "swallowing transport errors, expected when peer is down").
func (c *Client) SendSyn(ctx context.Context, self, peer Addr, msg SynMessage) (AckMessage, error) {
	var reply AckMessage
	err := c.call(ctx, peer, "Syn", &synEnvelope{From: self, Msg: msg}, &reply)
	return reply, err
}

func (c *Client) SendAck2(ctx context.Context, self, peer Addr, msg Ack2Message) error {
	var reply struct{}
	return c.call(ctx, peer, "Ack2", &ack2Envelope{From: self, Msg: msg}, &reply)
}

func (c *Client) SendEcho(ctx context.Context, self, peer Addr, msg EchoRequest) error {
	var reply EchoReply
	return c.call(ctx, peer, "Echo", &echoEnvelope{From: self, Msg: msg}, &reply)
}

func (c *Client) SendShutdown(ctx context.Context, self, peer Addr, msg ShutdownMessage) error {
	var reply struct{}
	return c.call(ctx, peer, "Shutdown", &shutdownEnvelope{From: self, Msg: msg}, &reply)
}

func (c *Client) SendGetEndpointStates(ctx context.Context, self, peer Addr, req GetEndpointStatesRequest) (GetEndpointStatesReply, error) {
	var reply GetEndpointStatesReply
	err := c.call(ctx, peer, "GetEndpointStates", &getEndpointStatesEnvelope{From: self, Req: req}, &reply)
	return reply, err
}

func (c *Client) call(ctx context.Context, peer Addr, method string, args, reply any) error {
	client, err := c.dial(peer)
	if err != nil {
		return err
	}
	defer client.Close()

	call := client.Go(fmt.Sprintf("%s.%s", verbsServiceName, method), args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-call.Done:
		return res.Error
	}
}
