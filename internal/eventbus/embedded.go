package eventbus

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultEmbeddedPort is the TCP port of the embedded server.
	DefaultEmbeddedPort = 4222

	embeddedMaxMem   = 64 << 20
	embeddedMaxStore = 512 << 20
	readyTimeout     = 10 * time.Second
)

// EmbeddedConfig configures StartEmbedded.
type EmbeddedConfig struct {
	Host     string // default 127.0.0.1
	Port     int    // -1 picks a random free port
	StoreDir string // JetStream file storage directory
}

// EmbeddedServer is an in-process NATS server with JetStream, used by
// `cw serve --nats-embedded` for single-host deployments and by tests.
type EmbeddedServer struct {
	server *server.Server
	conn   *nats.Conn
}

// StartEmbedded starts the server and opens a client connection to it.
func StartEmbedded(cfg EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg.StoreDir == "" {
		return nil, fmt.Errorf("embedded NATS: store dir is required")
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("create NATS store dir: %w", err)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultEmbeddedPort
	}

	ns, err := server.NewServer(&server.Options{
		ServerName:         "caspianwatch",
		Host:               cfg.Host,
		Port:               cfg.Port,
		JetStream:          true,
		JetStreamMaxMemory: embeddedMaxMem,
		JetStreamMaxStore:  embeddedMaxStore,
		StoreDir:           cfg.StoreDir,
		NoLog:              true,
		NoSigs:             true,
	})
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to become ready within %s", readyTimeout)
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("caspianwatch-internal"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("in-process NATS connection: %w", err)
	}
	return &EmbeddedServer{server: ns, conn: nc}, nil
}

// ClientURL is the address other processes connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.server.ClientURL()
}

// Conn returns the in-process connection.
func (e *EmbeddedServer) Conn() *nats.Conn {
	return e.conn
}

// Shutdown drains the connection, then stops the server and waits.
func (e *EmbeddedServer) Shutdown() {
	if e.conn != nil {
		_ = e.conn.Drain()
		e.conn.Close()
	}
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
}

// Connect dials url and returns a JetStream context with the event stream
// in place. The caller closes the connection.
func Connect(url, prefix string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url,
		nats.Name("caspianwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := EnsureStreams(js, prefix); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}
