package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/sevenautumns/niketsu-core/server/src/config"
	"github.com/sevenautumns/niketsu-core/server/src/logger"
)

const roomPathPrefix = "/api/room/"

// Server is the HTTP listener that upgrades incoming connections to
// websockets and hands them to a Manager. One Server per process.
type Server struct {
	manager *Manager
	host    string
	port    uint16
	cert    string
	key     string

	httpServer *http.Server
	stop       chan struct{}
}

func NewServer(cfg config.CLI, manager *Manager) *Server {
	s := &Server{
		manager: manager,
		host:    cfg.Host,
		port:    cfg.Port,
		cert:    cfg.Cert,
		key:     cfg.Key,
		stop:    make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Handler:      http.HandlerFunc(s.serveHTTP),
		ReadTimeout:  socketIOTimeout,
		WriteTimeout: socketIOTimeout,
	}
	return s
}

// roomNameFromPath extracts the room name from a connection URL of the
// form /api/room/{name}, per §4.F.
func roomNameFromPath(path string) (string, bool) {
	if !strings.HasPrefix(path, roomPathPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(path, roomPathPrefix)
	if name == "" {
		return "", false
	}
	return name, true
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	name, ok := roomNameFromPath(r.URL.Path)
	if !ok {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warnw("Failed to establish connection to client socket", "error", err)
			return
		}
		conn.Close(CloseInvalidConnectionURL, "connection URL must be /api/room/{name}")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warnw("Failed to establish connection to client socket", "error", err)
		return
	}

	session := sessionFromRequest(r)
	logger.Infow("New connection established", "room", name)
	s.manager.Accept(session, NewWsSocket(conn), name)
}

// sessionFromRequest derives the connecting client's identity from
// request headers set by an upstream authenticating proxy. Neither
// header being present yields an anonymous session, resolved to a
// random display name by Client.clientInfo.
func sessionFromRequest(r *http.Request) Session {
	return Session{
		Id:       r.Header.Get("X-Niketsu-Session-Id"),
		Username: r.Header.Get("X-Niketsu-Username"),
	}
}

func (s *Server) Listen() error {
	useTLS := s.cert != "" && s.key != ""
	listener, err := s.getListener(useTLS)
	if err != nil {
		return err
	}
	return s.serve(listener)
}

func (s *Server) getListener(useTLS bool) (net.Listener, error) {
	hostPort := fmt.Sprintf("%s:%d", s.host, s.port)

	var listener net.Listener
	var err error
	if useTLS {
		cert, certErr := tls.LoadX509KeyPair(s.cert, s.key)
		if certErr != nil {
			logger.Errorw("Failed to load certificate", "error", certErr)
			return nil, certErr
		}
		listener, err = tls.Listen("tcp", hostPort, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		listener, err = net.Listen("tcp", hostPort)
	}
	if err != nil {
		logger.Errorw("Failed to create listener", "error", err)
		return nil, err
	}

	logger.Infow("Listening on port", "port", hostPort)
	return listener, nil
}

func (s *Server) serve(listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			logger.Infow("Server closed connection")
			return nil
		}
		return err
	case <-s.stop:
		logger.Infow("Terminating server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Stop() {
	close(s.stop)
}
