package cdc_emitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const defaultQueueSize = 100000

type Config struct {
	// Port to listen on; 0 picks a free port.
	Port    int
	Address string
	// QueueSize bounds the changes waiting to be written. Defaults to 100000.
	QueueSize int
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Port < 0 || c.Port > 65535 {
		errGrp = append(errGrp, fmt.Errorf("invalid port: %d", c.Port))
	}
	if c.Address == "" {
		errGrp = append(errGrp, fmt.Errorf("invalid address: %s", c.Address))
	}
	if c.QueueSize < 0 {
		errGrp = append(errGrp, fmt.Errorf("invalid queue size: %d", c.QueueSize))
	}
	return errors.Join(errGrp...)
}

// Manager streams committed changes as JSON lines to every TCP client connected to it.
type Manager struct {
	port     int
	address  string
	listener net.Listener

	emitChan   chan *Change
	procCtx    context.Context
	procCancel context.CancelFunc
	started    atomic.Bool
	drained    chan struct{}

	clients    map[net.Conn]bool
	clientsMux sync.Mutex
}

func New(cfg *Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	addrString := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	listener, err := net.Listen("tcp", addrString)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addrString, err)
	}

	queueSize := cfg.QueueSize
	if queueSize == 0 {
		queueSize = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		listener:   listener,
		port:       cfg.Port,
		address:    cfg.Address,
		emitChan:   make(chan *Change, queueSize),
		procCtx:    ctx,
		procCancel: cancel,
		drained:    make(chan struct{}),

		clients:    make(map[net.Conn]bool),
		clientsMux: sync.Mutex{},
	}, nil
}

// Addr returns the address the emitter listens on.
func (m *Manager) Addr() net.Addr {
	return m.listener.Addr()
}

func (m *Manager) Start() error {
	m.started.Store(true)
	go func() {
		defer close(m.drained)
		for {
			select {
			case <-m.procCtx.Done():
				m.drain()
				return
			case c := <-m.emitChan:
				m.raiseCDCEvent(c)
			}
		}
	}()

	go func() {
		for {
			conn, err := m.listener.Accept()
			if err != nil {
				if m.procCtx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				log.Warn().Err(err).Msg("Failed to accept CDC connection")
				continue
			}

			go m.handle(conn)
		}
	}()

	log.Info().Str("address", m.listener.Addr().String()).Msg("CDC emitter listening")
	return nil
}

// Stop writes the changes still queued to the connected clients, then closes them.
func (m *Manager) Stop() error {
	if m.procCancel != nil {
		m.procCancel()
	}
	if m.started.Load() {
		<-m.drained
	}

	if m.listener != nil {
		if err := m.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("failed to close listener: %w", err)
		}
	}

	m.clientsMux.Lock()
	for client := range m.clients {
		_ = client.Close()
		delete(m.clients, client)
	}
	m.clientsMux.Unlock()

	return nil
}

// drain raises every change already queued.
func (m *Manager) drain() {
	for {
		select {
		case c := <-m.emitChan:
			m.raiseCDCEvent(c)
		default:
			return
		}
	}
}

func (m *Manager) Name() string {
	return "CDC Emitter"
}

// handle registers a client and blocks until it disconnects.
func (m *Manager) handle(conn net.Conn) {
	defer func() {
		_ = conn.Close()

		m.clientsMux.Lock()
		delete(m.clients, conn)
		m.clientsMux.Unlock()
	}()

	m.clientsMux.Lock()
	m.clients[conn] = true
	m.clientsMux.Unlock()

	log.Debug().Str("client", conn.RemoteAddr().String()).Msg("CDC client connected")

	// Reading is just to detect disconnection
	buffer := make([]byte, 4096)
	for {
		_, err := conn.Read(buffer)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug().Str("client", conn.RemoteAddr().String()).Msg("CDC client disconnected")
			} else {
				log.Debug().Err(err).Str("client", conn.RemoteAddr().String()).Msg("CDC client read failed")
			}
			return
		}
	}
}
