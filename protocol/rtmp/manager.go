package rtmp

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const snapshotInterval = time.Second

type ManagerConfig struct {
	Conn         ConnConfig
	PollInterval time.Duration // 한 바퀴 동안 아무 일도 없었을 때 쉬는 시간
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Conn:         DefaultConnConfig(),
		PollInterval: 5 * time.Millisecond,
	}
}

// ConnInfo 는 상태 API 에 노출되는 연결 요약이다.
type ConnInfo struct {
	ID            int       `json:"id"`
	UID           string    `json:"uid"`
	Remote        string    `json:"remote"`
	ConnectedAt   time.Time `json:"connected_at"`
	HandshakeDone bool      `json:"handshake_done"`
	ReadBytes     uint64    `json:"read_bytes"`
	WriteBytes    uint64    `json:"write_bytes"`
}

// Status 는 이벤트 루프 밖에서 읽을 수 있는 서버 상태 스냅샷이다.
type Status struct {
	UpdatedAt   time.Time     `json:"updated_at"`
	Connections []ConnInfo    `json:"connections"`
	Sessions    []SessionInfo `json:"sessions"`
	Publishing  int           `json:"publishing"`
}

// Manager 는 모든 연결을 하나의 고루틴에서 돌리는 이벤트 루프이다.
// 연결과 세션 상태는 이 고루틴만 만진다. 밖과 공유하는 것은 accept 채널과
// 상태 스냅샷뿐이다.
type Manager struct {
	server  *Server
	accept  <-chan net.Conn
	cfg     ManagerConfig
	metrics *Metrics
	l       *log.Entry

	conns    *Arena[*Conn]
	outbox   []OutboundPacket
	removals []int
	reasons  map[int]string

	status    atomic.Pointer[Status]
	snappedAt time.Time
	changed   bool
}

func NewManager(server *Server, accept <-chan net.Conn, cfg ManagerConfig, metrics *Metrics, l *log.Entry) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultManagerConfig().PollInterval
	}
	m := &Manager{
		server:  server,
		accept:  accept,
		cfg:     cfg,
		metrics: metrics,
		l:       l.WithField("component", "manager"),
		conns:   NewArena[*Conn](),
		reasons: make(map[int]string),
	}
	m.status.Store(&Status{})
	return m
}

// Len returns the number of open connections.
func (m *Manager) Len() int {
	return m.conns.Len()
}

// Status returns the latest snapshot. Safe to call from any goroutine.
func (m *Manager) Status() *Status {
	return m.status.Load()
}

// Run steps the loop until ctx is done or an invariant breaks. On return
// every connection has been closed and reported to the server.
func (m *Manager) Run(ctx context.Context) error {
	m.l.Info("connection manager started")
	defer m.shutdown()

	timer := time.NewTimer(m.cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		progress, err := m.Step()
		if err != nil {
			return err
		}
		if progress {
			continue
		}

		timer.Reset(m.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-m.accept:
			if !ok {
				m.accept = nil
				continue
			}
			m.add(c)
		case <-timer.C:
		}
	}
}

// Step runs one iteration: take new connections, read each connection once,
// write what the server produced, then close what was marked. It reports
// whether anything happened.
func (m *Manager) Step() (bool, error) {
	start := time.Now()
	progress := m.acceptPending()

	m.conns.Range(func(id int, c *Conn) bool {
		if m.marked(id) {
			return true
		}
		res, err := c.Read()
		if err != nil {
			m.mark(id, closeReason(err), err)
			progress = true
			return true
		}
		switch res.Status {
		case NoBytesReceived:
			return true
		case HandshakingInProgress:
			progress = true
			return true
		}
		progress = true
		m.metrics.received(len(res.Buffer))

		results, err := m.server.BytesReceived(id, res.Buffer)
		if len(results) > 0 {
			m.changed = true
		}
		for _, r := range results {
			switch r := r.(type) {
			case OutboundPacket:
				m.outbox = append(m.outbox, r)
			case DisconnectConnection:
				m.mark(r.ConnectionID, "rejected", nil)
			}
		}
		if err != nil {
			m.mark(id, "protocol", err)
		}
		return true
	})

	if err := m.flush(); err != nil {
		return progress, err
	}
	if err := m.removeMarked(); err != nil {
		return progress, err
	}

	if progress {
		m.metrics.observeLoop(time.Since(start).Seconds())
	}
	m.snapshot()
	return progress, nil
}

func (m *Manager) acceptPending() bool {
	if m.accept == nil {
		return false
	}
	accepted := false
	for {
		select {
		case c, ok := <-m.accept:
			if !ok {
				m.accept = nil
				return accepted
			}
			m.add(c)
			accepted = true
		default:
			return accepted
		}
	}
}

func (m *Manager) add(c net.Conn) {
	conn := NewConn(c, m.cfg.Conn, m.l)
	id := m.conns.Insert(conn)
	conn.l = conn.l.WithField("conn_id", id)
	conn.l.Info("connection accepted")
	m.metrics.connOpened()
	m.changed = true
}

func (m *Manager) mark(id int, reason string, err error) {
	if _, ok := m.reasons[id]; ok {
		return
	}
	m.reasons[id] = reason
	m.removals = append(m.removals, id)

	l := m.l.WithFields(log.Fields{"conn_id": id, "reason": reason})
	if c, ok := m.conns.Get(id); ok {
		l = c.l.WithField("reason", reason)
	}
	switch {
	case err == nil:
		l.Info("disconnecting")
	case errors.Cause(err) == ErrSocketClosed:
		l.Info("connection closed by peer")
	default:
		l.WithError(err).Warn("connection error")
	}
}

func (m *Manager) marked(id int) bool {
	_, ok := m.reasons[id]
	return ok
}

func (m *Manager) flush() error {
	defer func() { m.outbox = m.outbox[:0] }()
	for _, p := range m.outbox {
		c, ok := m.conns.Get(p.TargetConnectionID)
		if !ok {
			return &InvariantError{ConnectionID: p.TargetConnectionID, Reason: "outbound packet for unknown connection"}
		}
		// 끊기로 표시된 연결에도 쓴다. 거절 응답은 닫기 전에 전달되어야 한다.
		if err := c.Write(p.Bytes); err != nil {
			m.mark(p.TargetConnectionID, "write", err)
			continue
		}
		m.metrics.sent(len(p.Bytes))
	}
	return nil
}

func (m *Manager) removeMarked() error {
	if len(m.removals) == 0 {
		return nil
	}
	defer func() {
		m.removals = m.removals[:0]
		for id := range m.reasons {
			delete(m.reasons, id)
		}
	}()
	for _, id := range m.removals {
		c, ok := m.conns.Remove(id)
		if !ok {
			return &InvariantError{ConnectionID: id, Reason: "removal of unknown connection"}
		}
		c.Close()
		m.server.NotifyConnectionClosed(id)
		m.metrics.connClosed(m.reasons[id])
		c.l.WithFields(log.Fields{
			"read_bytes":  c.ReadBytes,
			"write_bytes": c.WriteBytes,
			"duration":    time.Since(c.ConnectedAt).Round(time.Millisecond),
		}).Debug("connection removed")
	}
	m.changed = true
	return nil
}

func (m *Manager) shutdown() {
	for _, id := range m.conns.IDs() {
		c, _ := m.conns.Remove(id)
		c.Close()
		m.server.NotifyConnectionClosed(id)
		m.metrics.connClosed("shutdown")
	}
	m.changed = true
	m.snapshot()
	m.l.Info("connection manager stopped")
}

func (m *Manager) snapshot() {
	now := time.Now()
	if !m.changed && now.Sub(m.snappedAt) < snapshotInterval {
		return
	}
	st := &Status{
		UpdatedAt:   now,
		Connections: make([]ConnInfo, 0, m.conns.Len()),
		Sessions:    m.server.Sessions(),
		Publishing:  m.server.PublishingCount(),
	}
	m.conns.Range(func(id int, c *Conn) bool {
		st.Connections = append(st.Connections, ConnInfo{
			ID:            id,
			UID:           c.UID,
			Remote:        c.RemoteAddr().String(),
			ConnectedAt:   c.ConnectedAt,
			HandshakeDone: c.HandshakeDone(),
			ReadBytes:     c.ReadBytes,
			WriteBytes:    c.WriteBytes,
		})
		return true
	})
	m.status.Store(st)
	m.snappedAt = now
	m.changed = false
}

func closeReason(err error) string {
	switch {
	case errors.Cause(err) == ErrSocketClosed:
		return "eof"
	case errors.Cause(err) == ErrTimeout:
		return "timeout"
	}
	return "io"
}
