package v1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	v1 "github.com/litetable/litetable-cdc/go/v1"
	"github.com/litetable/litetable-stream/internal/cdc_emitter"
	"github.com/litetable/litetable-stream/internal/record"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
)

const defaultBuffer = 1000

type Config struct {
	Address string
	// Port to listen on; 0 picks a free port.
	Port int
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Address == "" {
		errGrp = append(errGrp, errors.New("address is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errGrp = append(errGrp, fmt.Errorf("invalid port: %d", c.Port))
	}
	return errors.Join(errGrp...)
}

// Server streams committed changes to gRPC subscribers of the litetable CDC service.
type Server struct {
	v1.UnimplementedCDCServiceServer
	address     string
	port        int
	grpcStreams map[string]v1.CDCService_CDCStreamServer
	grpcMux     sync.Mutex

	server   *grpc.Server
	listener net.Listener
	events   chan *cdc_emitter.Change
	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	// drained is closed once the queued changes have been sent on Stop
	drained chan struct{}
}

func New(cfg *Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	cdcServer := &Server{
		address:     cfg.Address,
		port:        cfg.Port,
		grpcStreams: make(map[string]v1.CDCService_CDCStreamServer),
		events:      make(chan *cdc_emitter.Change, defaultBuffer),
		ctx:         ctx,
		cancel:      cancel,
		drained:     make(chan struct{}),
	}

	srv := grpc.NewServer()
	v1.RegisterCDCServiceServer(srv, cdcServer)
	cdcServer.server = srv

	return cdcServer, nil
}

// CDCStream registers the subscriber and blocks until it goes away or the server stops.
func (s *Server) CDCStream(req *v1.CDCSubscriptionRequest, stream v1.CDCService_CDCStreamServer) error {
	id := req.GetClientId()
	if id == "" {
		return errors.New("client id is required")
	}
	if req.GetReplay() {
		log.Warn().Str("client", id).Msg("replay is not supported, streaming live changes only")
	}

	s.registerGRPCStream(id, stream)
	defer s.unregisterGRPCStream(id)

	log.Debug().Str("client", id).Msg("CDC gRPC subscriber connected")
	select {
	case <-stream.Context().Done():
	case <-s.drained:
	}
	return nil
}

func (s *Server) registerGRPCStream(clientID string, stream v1.CDCService_CDCStreamServer) {
	s.grpcMux.Lock()
	defer s.grpcMux.Unlock()
	s.grpcStreams[clientID] = stream
}

func (s *Server) unregisterGRPCStream(clientID string) {
	s.grpcMux.Lock()
	defer s.grpcMux.Unlock()
	delete(s.grpcStreams, clientID)
}

// Emit queues a committed change for the subscribers. Changes are dropped when the queue is full.
func (s *Server) Emit(c *cdc_emitter.Change) {
	select {
	case s.events <- c:
	default:
		log.Warn().Str("key", c.Key).Uint64("barrier", c.Barrier).Msg("CDC gRPC queue full, dropping change")
	}
}

func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("CDC gRPC server already started or stopped")
	}
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		close(s.drained)
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.listener = lis

	log.Info().Msgf("CDC gRPC server listening at %s", lis.Addr().String())

	go s.dispatchLoop()

	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error().Err(err).Msg("CDC gRPC server failed")
		}
	}()

	return nil
}

// Stop sends the queued changes to the subscribers before their streams are closed.
func (s *Server) Stop() error {
	s.cancel()
	if s.started.CompareAndSwap(false, true) {
		// never started: no dispatch loop will close it
		close(s.drained)
	}
	<-s.drained
	s.server.GracefulStop()
	return nil
}

func (s *Server) Name() string {
	return "CDC Stream"
}

// Addr returns the listening address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) dispatchLoop() {
	defer close(s.drained)
	for {
		select {
		case <-s.ctx.Done():
			for {
				select {
				case c := <-s.events:
					s.dispatch(c)
				default:
					return
				}
			}
		case c := <-s.events:
			s.dispatch(c)
		}
	}
}

func (s *Server) dispatch(c *cdc_emitter.Change) {
	event := toProto(c)

	s.grpcMux.Lock()
	defer s.grpcMux.Unlock()
	for id, stream := range s.grpcStreams {
		if err := stream.Send(event); err != nil {
			log.Warn().Err(err).Str("client", id).Msg("removing gRPC stream due to send error")
			delete(s.grpcStreams, id)
		}
	}
}

// toProto maps a change onto the CDC event: the partition travels as the family, the table as the
// qualifier and the payload as JSON in the value.
func toProto(c *cdc_emitter.Change) *v1.CDCEvent {
	event := &v1.CDCEvent{
		RowKey:        c.Key,
		Family:        c.Partition,
		Qualifier:     c.Table,
		TimestampUnix: c.Order.UnixNano(),
		Tombstone:     c.Tombstone,
	}

	if len(c.Payload) > 0 {
		value, err := json.Marshal(c.Payload)
		if err != nil {
			log.Error().Err(err).Str("key", c.Key).Msg("failed to marshal CDC payload")
		} else {
			event.Value = value
		}
	}

	switch c.Operation {
	case record.OperationInsert, record.OperationUpdate:
		event.Operation = v1.LitetableOperation_WRITE
	case record.OperationDelete:
		event.Operation = v1.LitetableOperation_DELETE
	}
	return event
}
