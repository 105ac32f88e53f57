// internal/relay/server.go
package relay

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ephonelabs/relaychat/internal/config"
	"github.com/ephonelabs/relaychat/internal/proto"
	"github.com/ephonelabs/relaychat/internal/util"
)

const maxEventRows = 50

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>真人联机服务器</title>
<style>
  body { font-family: Arial, sans-serif; padding: 20px; text-align: center; }
  h1 { color: #007aff; }
  .status { font-size: 18px; margin: 20px 0; }
  .online { color: #34c759; }
  table { margin: 0 auto; border-collapse: collapse; }
  td, th { padding: 4px 12px; border-bottom: 1px solid #eee; font-size: 14px; }
  .muted { color: #999; font-size: 14px; }
</style>
</head>
<body>
<h1>🌐 真人联机服务器</h1>
<div class="status">
  <span class="online">● 服务器运行中</span><br>
  在线用户: <strong>{{.Online}}</strong> / {{.MaxUsers}}
</div>
<p>服务器时间: {{.Now}}</p>
<p class="muted">运行时长: {{.Uptime}}</p>
{{if .Users}}
<table>
<tr><th>用户</th><th>昵称</th><th>上线时间</th></tr>
{{range .Users}}<tr><td>{{.ID}}</td><td>{{.Nickname}}</td><td>{{.RegisteredAt.Format "15:04:05"}}</td></tr>
{{end}}
</table>
<br>
{{end}}
{{if .Events}}
<table>
<tr><th>最近活动</th></tr>
{{range .Events}}<tr><td>{{.}}</td></tr>
{{end}}
</table>
{{end}}
<hr>
<p class="muted">
  WebSocket端口: {{.Port}}<br>
  连接地址: ws://[服务器IP]:{{.Port}}
</p>
</body>
</html>
`

type indexVM struct {
	Online   int
	MaxUsers int
	Now      string
	Uptime   string
	Port     int
	Users    []Row
	Events   []string
}

// Server ties the registry, router and HTTP front together. The status
// page and the WebSocket endpoint share the root path; upgrade requests
// go to the relay, everything else gets HTML.
type Server struct {
	cfg      config.Server
	reg      *Registry
	router   *Router
	upgrader websocket.Upgrader
	tmpl     *template.Template
	events   *util.Ring[string]
	started  time.Time
	liveness time.Duration

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func New(cfg config.Server) *Server {
	reg := NewRegistry(cfg.MaxUsers)
	s := &Server{
		cfg:    cfg,
		reg:    reg,
		router: NewRouter(reg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: false,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
		tmpl:     template.Must(template.New("index").Parse(indexHTML)),
		events:   util.NewRing[string](maxEventRows),
		liveness: time.Duration(cfg.LivenessSec) * time.Second,
	}
	s.router.onEvent = func(line string) {
		s.events.Push(time.Now().Format("15:04:05") + " " + line)
	}
	return s
}

// Registry exposes the presence registry, mainly for the status page
// and tests.
func (s *Server) Registry() *Registry {
	return s.reg
}

// Addr returns the bound listen address once Start has opened the
// listener. Useful when the configured port is 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start runs the server until ctx is cancelled. On cancellation every
// registered client is told the server is going away before the sockets
// close.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.started = time.Now()
	s.mu.Unlock()

	go s.countLogLoop(ctx)
	go s.sweepLoop(ctx)
	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	log.Printf("RELAY: listening on %s (max users %d)", ln.Addr(), s.cfg.MaxUsers)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleWS(w, r)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	vm := indexVM{
		Online:   s.reg.Count(),
		MaxUsers: s.cfg.MaxUsers,
		Now:      time.Now().Format("2006-01-02 15:04:05"),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Port:     s.cfg.Port,
		Users:    s.reg.Snapshot(),
		Events:   s.events.Snapshot(),
	}
	w.Header().Set("content-type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, vm); err != nil {
		log.Printf("RELAY: render status page: %v", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	clientIP := r.Header.Get("X-Forwarded-For")
	if clientIP == "" {
		clientIP = r.RemoteAddr
	}
	log.Printf("RELAY: client connected from %s", clientIP)

	c := newConn(ws)
	go s.readLoop(c)
}

// readLoop owns the socket's read side. The read deadline doubles as the
// liveness monitor: any inbound frame pushes it forward, and a silent
// connection times out and tears down.
func (s *Server) readLoop(c *Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("RELAY: handler panic for %s: %v", c.userOrAddr(), r)
		}
		c.Close()
		if id := c.userID; id != "" {
			if s.reg.Remove(id, c) {
				s.events.Push(time.Now().Format("15:04:05") + " offline: " + id)
				log.Printf("RELAY: user offline: %s (online: %d)", id, s.reg.Count())
			}
		} else {
			log.Printf("RELAY: unregistered client disconnected")
		}
	}()

	c.ws.SetReadLimit(proto.MaxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.liveness))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Printf("RELAY: liveness timeout for %s", c.userOrAddr())
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.liveness))
		s.router.Dispatch(c, data)
	}
}

func (s *Server) countLogLoop(ctx context.Context) {
	t := time.NewTicker(time.Duration(s.cfg.CountLogSec) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			log.Printf("RELAY: online users: %d", s.reg.Count())
		}
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(time.Duration(s.cfg.SweepSec) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if cleaned := s.reg.SweepClosed(); cleaned > 0 {
				log.Printf("RELAY: swept %d dead connections", cleaned)
			}
		}
	}
}

func (s *Server) shutdown() {
	log.Printf("RELAY: shutting down")

	notice := &proto.ServerShutdown{
		Type:    proto.TypeServerShutdown,
		Message: "服务器正在维护，请稍后重新连接",
	}
	for _, c := range s.reg.Connections() {
		c.Send(notice)
		c.Close()
	}

	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("RELAY: forced close: %v", err)
			_ = srv.Close()
		}
	}
	log.Printf("RELAY: server stopped")
}
