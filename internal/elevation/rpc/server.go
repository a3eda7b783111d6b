package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/elevation.map/internal/elevation/export"
	"github.com/banshee-data/elevation.map/internal/elevation/grid"
	"github.com/banshee-data/elevation.map/internal/monitoring"
)

// maxMsgSize allows large grids; a 400x400 map is about 2.5 MB on the wire.
const maxMsgSize = 16 * 1024 * 1024

// clientBuffer is how many maps a slow stream may fall behind before maps
// are dropped for it.
const clientBuffer = 4

// Server implements MapServiceServer. It is also an export.Exporter: every
// exported snapshot becomes the GetMap answer and is pushed to all streams.
type Server struct {
	mu      sync.RWMutex
	latest  *export.Message
	clients map[uint64]chan *export.Message
	nextID  uint64
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewServer creates a Server with no map yet.
func NewServer() *Server {
	return &Server{clients: make(map[uint64]chan *export.Message)}
}

// Export implements export.Exporter. It never blocks on slow clients.
func (s *Server) Export(_ context.Context, snap grid.Snapshot) error {
	msg := export.FromSnapshot(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &msg
	s.published.Add(1)
	for id, ch := range s.clients {
		select {
		case ch <- &msg:
		default:
			dropped := s.dropped.Add(1)
			monitoring.Debugf("[MapService] client %d behind, dropped map (total dropped: %d)", id, dropped)
		}
	}
	return nil
}

// GetMap returns the latest published map, or Unavailable before the first.
func (s *Server) GetMap(ctx context.Context, _ *GetMapRequest) (*export.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil, status.Error(codes.Unavailable, "no map published yet")
	}
	return s.latest, nil
}

// StreamMaps sends every map published after the call starts until the
// client goes away or the server closes.
func (s *Server) StreamMaps(_ *StreamMapsRequest, stream grpc.ServerStreamingServer[export.Message]) error {
	id, ch, err := s.subscribe()
	if err != nil {
		return err
	}
	defer s.unsubscribe(id)
	monitoring.Logf("[MapService] stream client %d connected", id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[MapService] stream client %d disconnected", id)
			return nil
		case msg, ok := <-ch:
			if !ok {
				return status.Error(codes.Unavailable, "server shutting down")
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// Clients returns the number of connected streams.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped returns how many maps were skipped for slow streams.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) subscribe() (uint64, chan *export.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, status.Error(codes.Unavailable, "server shutting down")
	}
	s.nextID++
	ch := make(chan *export.Message, clientBuffer)
	s.clients[s.nextID] = ch
	return s.nextID, ch, nil
}

func (s *Server) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.clients[id]; ok {
		delete(s.clients, id)
		close(ch)
	}
}

// Close ends every stream and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.clients {
		delete(s.clients, id)
		close(ch)
	}
}

// NewGRPCServer creates a grpc.Server with the wire codec and s registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(Codec()),
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterService(gs, s)
	return gs
}

// ListenAndServe serves on addr until ctx is cancelled, then closes streams
// and stops gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := s.NewGRPCServer()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.Close()
		gs.GracefulStop()
	}()

	monitoring.Logf("[MapService] gRPC server listening on %s", lis.Addr())
	err := gs.Serve(lis)
	if ctx.Err() != nil {
		<-stopped
		monitoring.Logf("[MapService] gRPC server stopped")
		return nil
	}
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}
