// Package server implements the query protocol: one JSON request per TCP
// connection, one JSON response, ALIVE for bare probes.
package server

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"skeld/internal/cache"
	"skeld/internal/chunks"
	"skeld/internal/config"
	"skeld/internal/errors"
	"skeld/internal/ignore"
	"skeld/internal/logging"
	"skeld/internal/repl"
	"skeld/internal/stats"
)

// portScanAttempts is how many consecutive ports are tried after the
// requested one is taken.
const portScanAttempts = 20

// replQueueSize bounds pending REPL work before callers get RESOURCE_BUSY.
const replQueueSize = 16

// Activity is the shared idle clock; every dispatched request touches it.
type Activity struct {
	last atomic.Int64
}

func NewActivity() *Activity {
	a := &Activity{}
	a.Touch()
	return a
}

func (a *Activity) Touch() {
	a.last.Store(time.Now().UnixNano())
}

func (a *Activity) IdleFor() time.Duration {
	return time.Since(time.Unix(0, a.last.Load()))
}

// Request is the wire request envelope. Unused fields stay zero.
type Request struct {
	Action   string `json:"action"`
	Path     string `json:"path"`
	Symbol   string `json:"symbol"`
	Query    string `json:"query"`
	Chunk    int    `json:"chunk"`
	Code     string `json:"code"`
	MaxDepth int    `json:"max_depth"`
}

type replJob struct {
	req   Request
	reply chan interface{}
}

// Server serves the query protocol on a loopback port.
type Server struct {
	cfg      config.ServerConfig
	store    *cache.Store
	chunks   *chunks.Store
	engine   *repl.Engine
	session  *stats.Session
	matcher  *ignore.Matcher
	activity *Activity
	logger   *logging.Logger

	listener net.Listener
	port     int

	replQueue chan replJob

	done chan struct{}
	wg   sync.WaitGroup
}

type Deps struct {
	Store    *cache.Store
	Chunks   *chunks.Store
	Engine   *repl.Engine
	Session  *stats.Session
	Matcher  *ignore.Matcher
	Activity *Activity
	Logger   *logging.Logger
}

func New(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		store:     deps.Store,
		chunks:    deps.Chunks,
		engine:    deps.Engine,
		session:   deps.Session,
		matcher:   deps.Matcher,
		activity:  deps.Activity,
		logger:    deps.Logger,
		replQueue: make(chan replJob, replQueueSize),
		done:      make(chan struct{}),
	}
}

// Start binds the first free loopback port at or above the configured one
// and begins accepting.
func (s *Server) Start() error {
	var lastErr error
	for i := 0; i < portScanAttempts; i++ {
		port := s.cfg.Port + i
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			lastErr = err
			continue
		}
		s.listener = l
		s.port = l.Addr().(*net.TCPAddr).Port
		break
	}
	if s.listener == nil {
		return fmt.Errorf("no free port in %d-%d: %w",
			s.cfg.Port, s.cfg.Port+portScanAttempts-1, lastErr)
	}

	s.logger.Info("Query server listening", map[string]interface{}{"port": s.port})

	s.wg.Add(2)
	go s.acceptLoop()
	go s.replWorker()
	return nil
}

// Port returns the bound port. Valid after Start.
func (s *Server) Port() int {
	return s.port
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Warn("accept failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// replWorker serializes every repl_* action through one goroutine so the
// sandbox namespace never sees concurrent mutation.
func (s *Server) replWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case job := <-s.replQueue:
			job.reply <- s.dispatchRepl(job.req)
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if s.cfg.ReadTimeoutS > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(time.Duration(s.cfg.ReadTimeoutS) * time.Second))
	}

	limit := int64(s.cfg.MaxRequestBytes)
	if limit <= 0 {
		limit = 1 << 20
	}
	payload, err := io.ReadAll(io.LimitReader(conn, limit+1))

	if s.cfg.WriteTimeoutS > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Duration(s.cfg.WriteTimeoutS) * time.Second))
	}

	if err != nil && len(payload) == 0 {
		// A probe that connects and waits without writing runs into the
		// read deadline; it still gets the liveness banner. Only genuine
		// connection failures close silently.
		var ne net.Error
		if stderrors.As(err, &ne) && ne.Timeout() {
			_, _ = conn.Write([]byte("ALIVE"))
		} else {
			s.logger.Debug("connection read failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	// bare probe
	if len(payload) == 0 {
		_, _ = conn.Write([]byte("ALIVE"))
		return
	}

	if int64(len(payload)) > limit {
		s.writeResponse(conn, errorResponse(errors.New(errors.ProtocolError, "request too large")))
		return
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.writeResponse(conn, errorResponse(errors.New(errors.ProtocolError, "malformed JSON request")))
		return
	}

	reqLog := s.logger.With(map[string]interface{}{"requestId": uuid.NewString()})
	s.activity.Touch()

	response, avoided := s.dispatch(req)
	written := s.writeResponse(conn, response)
	if written > 0 {
		s.session.Record(req.Action, written, avoided)
	}

	reqLog.Debug("request served", map[string]interface{}{"action": req.Action})
}

// result pairs a response payload with the full-read bytes it displaced.
type result struct {
	payload interface{}
	avoided int
}

// dispatch routes one request. REPL actions go through the worker queue;
// everything else runs on the connection goroutine.
func (s *Server) dispatch(req Request) (interface{}, int) {
	if strings.HasPrefix(req.Action, "repl_") {
		job := replJob{req: req, reply: make(chan interface{}, 1)}
		select {
		case s.replQueue <- job:
			// The worker may exit with this job still queued; answer the
			// connection instead of stranding it.
			select {
			case r := <-job.reply:
				return r, 0
			case <-s.done:
				return errorResponse(errors.New(errors.ResourceBusy, "daemon is shutting down")), 0
			}
		default:
			return errorResponse(errors.New(errors.ResourceBusy, "REPL queue is full, retry")), 0
		}
	}
	res := s.dispatchQuery(req)
	return res.payload, res.avoided
}

// writeResponse returns the bytes written, 0 when the write failed.
func (s *Server) writeResponse(conn net.Conn, response interface{}) int {
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("response marshal failed", map[string]interface{}{"error": err.Error()})
		data, _ = json.Marshal(errorResponse(errors.New(errors.InternalError, "response encoding failed")))
	}
	if _, err := conn.Write(data); err != nil {
		s.logger.Debug("response write failed", map[string]interface{}{"error": err.Error()})
		return 0
	}
	return len(data)
}

func errorResponse(err error) map[string]interface{} {
	code := errors.CodeOf(err)
	message := err.Error()
	var e *errors.Error
	if stderrors.As(err, &e) {
		message = e.Message
	}
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(code),
			"message": message,
		},
	}
}
