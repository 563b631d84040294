package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestCreateApp(t *testing.T) {
	tests := map[string]struct {
		cfg     *Config
		wantErr string
	}{
		"invalid config": {
			cfg:     &Config{},
			wantErr: "service name is required\nstop timeout is required",
		},
		"valid config": {
			cfg: &Config{ServiceName: "stream", StopTimeout: time.Second},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := CreateApp(tc.cfg)
			if tc.wantErr != "" {
				require.EqualError(t, err, tc.wantErr)
				require.Nil(t, got)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "stream", got.serviceName)
		})
	}
}

func expectLifecycle(dep *MockDependency, name string, startErr error) {
	dep.EXPECT().Name().Return(name).AnyTimes()
	dep.EXPECT().Start().Return(startErr)
	dep.EXPECT().Stop().Return(nil)
}

func TestApp_Run(t *testing.T) {
	t.Run("context cancelled", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		dep := NewMockDependency(ctrl)
		expectLifecycle(dep, "server", nil)

		a, err := CreateApp(&Config{ServiceName: "stream", StopTimeout: time.Second}, dep)
		req.NoError(err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		req.NoError(a.Run(ctx))
		req.EqualError(a.Run(ctx), "run has already been called")
	})

	t.Run("dependency fails to start", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		dep := NewMockDependency(ctrl)
		expectLifecycle(dep, "pipeline", errors.New("no storage"))

		a, err := CreateApp(&Config{ServiceName: "stream", StopTimeout: time.Second}, dep)
		req.NoError(err)

		err = a.Run(context.Background())
		req.ErrorContains(err, "failure in Start() for dependency pipeline: no storage")
	})

	t.Run("dependency panics in start", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dep := NewMockDependency(ctrl)
		dep.EXPECT().Name().Return("server").AnyTimes()
		dep.EXPECT().Start().DoAndReturn(func() error { panic("boom") })
		dep.EXPECT().Stop().Return(nil)

		a, err := CreateApp(&Config{ServiceName: "stream", StopTimeout: time.Second}, dep)
		require.NoError(t, err)
		require.ErrorContains(t, a.Run(context.Background()), "panic in Start() for dependency server: boom")
	})

	t.Run("stop failure is returned", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dep := NewMockDependency(ctrl)
		dep.EXPECT().Name().Return("server").AnyTimes()
		dep.EXPECT().Start().Return(nil)
		dep.EXPECT().Stop().Return(errors.New("still busy"))

		a, err := CreateApp(&Config{ServiceName: "stream", StopTimeout: time.Second}, dep)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		require.ErrorContains(t, a.Run(ctx), "failure in Stop() for dependency server: still busy")
	})
}

// finishing is a dependency that completes on its own once started.
type finishing struct {
	*MockCompleter
	done    chan struct{}
	stopped atomic.Bool
}

func (f *finishing) Start() error {
	close(f.done)
	return nil
}

func (f *finishing) Stop() error {
	f.stopped.Store(true)
	return nil
}

func (f *finishing) Name() string { return "pipeline" }

type stub struct {
	stopped atomic.Bool
}

func (s *stub) Start() error { return nil }
func (s *stub) Stop() error  { s.stopped.Store(true); return nil }
func (s *stub) Name() string { return "server" }

func TestApp_RunCompletion(t *testing.T) {
	tests := map[string]struct {
		err error
	}{
		"completes cleanly":      {},
		"completes with failure": {err: errors.New("apply failed")},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctrl := gomock.NewController(t)

			f := &finishing{MockCompleter: NewMockCompleter(ctrl), done: make(chan struct{})}
			f.MockCompleter.EXPECT().Done().Return((<-chan struct{})(f.done))
			f.MockCompleter.EXPECT().Err().Return(tc.err)

			server := &stub{}

			a, err := CreateApp(&Config{ServiceName: "stream", StopTimeout: time.Second}, f, server)
			req.NoError(err)

			errCh := make(chan error, 1)
			go func() { errCh <- a.Run(context.Background()) }()

			select {
			case err = <-errCh:
			case <-time.After(5 * time.Second):
				t.Fatal("app did not stop after completion")
			}
			if tc.err != nil {
				req.ErrorIs(err, tc.err)
			} else {
				req.NoError(err)
			}
			req.True(f.stopped.Load())
			req.True(server.stopped.Load())
		})
	}
}

// publisher emits into its sink when it stops, like the pipeline's final checkpoint does.
type publisher struct {
	sink *sink
}

func (p *publisher) Start() error { return nil }
func (p *publisher) Stop() error  { p.sink.emit("last window"); return nil }
func (p *publisher) Name() string { return "pipeline" }

type sink struct {
	mu       sync.Mutex
	stopped  bool
	received []string
}

func (s *sink) emit(change string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.received = append(s.received, change)
	}
}

func (s *sink) Start() error { return nil }
func (s *sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}
func (s *sink) Name() string { return "cdc" }

func TestApp_StopOrder(t *testing.T) {
	req := require.New(t)
	cdc := &sink{}
	server := &stub{}

	// sinks are listed before the dependency that publishes into them
	a, err := CreateApp(&Config{ServiceName: "stream", StopTimeout: time.Second}, cdc, &publisher{sink: cdc}, server)
	req.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req.NoError(a.Run(ctx))

	req.True(server.stopped.Load())
	cdc.mu.Lock()
	defer cdc.mu.Unlock()
	req.True(cdc.stopped)
	req.Equal([]string{"last window"}, cdc.received)
}
