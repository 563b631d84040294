package v1

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	v1 "github.com/litetable/litetable-cdc/go/v1"
	"github.com/litetable/litetable-stream/internal/cdc_emitter"
	"github.com/litetable/litetable-stream/internal/record"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

type fakeStream struct {
	grpc.ServerStream
	ctx  context.Context
	mu   sync.Mutex
	sent []*v1.CDCEvent
	err  error
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func (f *fakeStream) Send(e *v1.CDCEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeStream) events() []*v1.CDCEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*v1.CDCEvent(nil), f.sent...)
}

func TestNew(t *testing.T) {
	_, err := New(&Config{})
	require.Error(t, err)

	s, err := New(&Config{Address: "127.0.0.1"})
	require.NoError(t, err)
	require.Equal(t, "CDC Stream", s.Name())
	require.Nil(t, s.Addr())
}

func TestToProto(t *testing.T) {
	order := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		change    *cdc_emitter.Change
		wantOp    v1.LitetableOperation
		wantValue bool
	}{
		"insert": {
			change: &cdc_emitter.Change{
				Table: "trips", Operation: record.OperationInsert, Key: "k", Partition: "brazil", Order: order,
				Payload: map[string]record.Value{"fare": record.Float(10)},
			},
			wantOp:    v1.LitetableOperation_WRITE,
			wantValue: true,
		},
		"update": {
			change: &cdc_emitter.Change{
				Table: "trips", Operation: record.OperationUpdate, Key: "k", Partition: "brazil", Order: order,
				Payload: map[string]record.Value{"fare": record.Float(11)},
			},
			wantOp:    v1.LitetableOperation_WRITE,
			wantValue: true,
		},
		"delete": {
			change: &cdc_emitter.Change{
				Table: "trips", Operation: record.OperationDelete, Key: "k", Partition: "brazil", Order: order,
				Tombstone: true,
			},
			wantOp: v1.LitetableOperation_DELETE,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			got := toProto(tc.change)
			req.Equal(tc.wantOp, got.Operation)
			req.Equal("k", got.RowKey)
			req.Equal("brazil", got.Family)
			req.Equal("trips", got.Qualifier)
			req.Equal(order.UnixNano(), got.TimestampUnix)
			req.Equal(tc.change.Tombstone, got.Tombstone)
			if !tc.wantValue {
				req.Empty(got.Value)
				return
			}
			var payload map[string]record.Value
			req.NoError(json.Unmarshal(got.Value, &payload))
			req.Equal(tc.change.Payload["fare"].Float(), payload["fare"].Float())
		})
	}
}

func TestServer_Dispatch(t *testing.T) {
	req := require.New(t)
	s, err := New(&Config{Address: "127.0.0.1"})
	req.NoError(err)

	good := &fakeStream{ctx: context.Background()}
	bad := &fakeStream{ctx: context.Background(), err: context.Canceled}
	s.registerGRPCStream("good", good)
	s.registerGRPCStream("bad", bad)

	s.dispatch(&cdc_emitter.Change{Key: "k", Operation: record.OperationInsert})

	req.Len(good.events(), 1)
	s.grpcMux.Lock()
	_, stillThere := s.grpcStreams["bad"]
	s.grpcMux.Unlock()
	req.False(stillThere, "failing streams are dropped")
}

func TestServer_CDCStream(t *testing.T) {
	req := require.New(t)
	s, err := New(&Config{Address: "127.0.0.1"})
	req.NoError(err)
	req.NoError(s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	err = s.CDCStream(&v1.CDCSubscriptionRequest{}, &fakeStream{ctx: context.Background()})
	req.Error(err, "client id is required")

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeStream{ctx: ctx}
	done := make(chan error, 1)
	go func() {
		done <- s.CDCStream(&v1.CDCSubscriptionRequest{ClientId: "c1"}, stream)
	}()

	req.Eventually(func() bool {
		s.grpcMux.Lock()
		defer s.grpcMux.Unlock()
		return len(s.grpcStreams) == 1
	}, 2*time.Second, 5*time.Millisecond)

	s.Emit(&cdc_emitter.Change{Key: "k", Operation: record.OperationDelete, Tombstone: true})
	req.Eventually(func() bool { return len(stream.events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	req.Equal(v1.LitetableOperation_DELETE, stream.events()[0].Operation)

	cancel()
	req.NoError(<-done)
	s.grpcMux.Lock()
	req.Empty(s.grpcStreams)
	s.grpcMux.Unlock()
}

func TestServer_StopDrainsQueue(t *testing.T) {
	req := require.New(t)
	s, err := New(&Config{Address: "127.0.0.1"})
	req.NoError(err)
	req.NoError(s.Start())

	stream := &fakeStream{ctx: context.Background()}
	done := make(chan error, 1)
	go func() {
		done <- s.CDCStream(&v1.CDCSubscriptionRequest{ClientId: "c1"}, stream)
	}()
	req.Eventually(func() bool {
		s.grpcMux.Lock()
		defer s.grpcMux.Unlock()
		return len(s.grpcStreams) == 1
	}, 2*time.Second, 5*time.Millisecond)

	for _, k := range []string{"k1", "k2"} {
		s.Emit(&cdc_emitter.Change{Key: k, Operation: record.OperationInsert})
	}
	req.NoError(s.Stop())

	req.NoError(<-done)
	events := stream.events()
	req.Len(events, 2)
	req.Equal("k1", events[0].RowKey)
	req.Equal("k2", events[1].RowKey)
}

func TestServer_StopWithoutStart(t *testing.T) {
	s, err := New(&Config{Address: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.Error(t, s.Start())
}
