package s3

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ConnectionPool manages a bounded pool of S3 client connections, adapted
// from the teacher's internal/storage/s3/pool.go (channel-backed pool plus
// a background HealthChecker): each connection is checked out exclusively
// by one caller at a time and returned when done.
type ConnectionPool struct {
	mu          sync.RWMutex
	connections chan *s3.Client
	factory     func() (*s3.Client, error)
	maxSize     int
	currentSize int
	closed      bool

	healthCheck *healthChecker
	stats       PoolStats
}

// PoolStats mirrors the teacher's pool statistics shape.
type PoolStats struct {
	Active, Idle, Total, MaxSize int
	Hits, Misses, Timeouts       int64
	Errors, Created, Destroyed   int64
	LastError                    string
	LastErrorAt                  time.Time
}

type healthChecker struct {
	pool     *ConnectionPool
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewConnectionPool builds a pool of at most maxSize clients, built lazily
// via factory.
func NewConnectionPool(maxSize int, factory func() (*s3.Client, error)) (*ConnectionPool, error) {
	if maxSize <= 0 {
		maxSize = 8
	}
	if factory == nil {
		return nil, fmt.Errorf("connection factory cannot be nil")
	}
	p := &ConnectionPool{
		connections: make(chan *s3.Client, maxSize),
		factory:     factory,
		maxSize:     maxSize,
		stats:       PoolStats{MaxSize: maxSize},
	}
	p.healthCheck = &healthChecker{
		pool:     p,
		interval: 30 * time.Second,
		timeout:  5 * time.Second,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go p.healthCheck.run()
	return p, nil
}

// Get retrieves a connection, creating one if the pool is not yet full.
func (p *ConnectionPool) Get(ctx context.Context) (*s3.Client, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("connection pool is closed")
	}

	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Hits++
		p.stats.Active++
		p.mu.Unlock()
		return conn, nil
	default:
	}

	if p.canCreateConnection() {
		return p.createConnection()
	}

	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Hits++
		p.stats.Active++
		p.mu.Unlock()
		return conn, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.stats.Timeouts++
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Put returns a connection to the pool for reuse.
func (p *ConnectionPool) Put(conn *s3.Client) {
	if conn == nil {
		return
	}
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return
	}
	select {
	case p.connections <- conn:
		p.mu.Lock()
		p.stats.Active--
		p.mu.Unlock()
	default:
		p.mu.Lock()
		p.stats.Destroyed++
		p.currentSize--
		p.mu.Unlock()
	}
}

// Stats returns a snapshot of pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.stats
	s.Total = p.currentSize
	s.Idle = len(p.connections)
	return s
}

// Close shuts the pool down, stopping the health checker.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.healthCheck.stopCh)
	<-p.healthCheck.stopped

	close(p.connections)
	for range p.connections {
	}
	return nil
}

func (p *ConnectionPool) canCreateConnection() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentSize < p.maxSize && !p.closed
}

func (p *ConnectionPool) createConnection() (*s3.Client, error) {
	conn, err := p.factory()
	if err != nil {
		p.mu.Lock()
		p.stats.Errors++
		p.stats.LastError = err.Error()
		p.stats.LastErrorAt = time.Now()
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Lock()
	p.currentSize++
	p.stats.Created++
	p.stats.Active++
	p.mu.Unlock()
	return conn, nil
}

func (hc *healthChecker) run() {
	defer close(hc.stopped)
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.checkHealth()
		}
	}
}

func (hc *healthChecker) checkHealth() {
	testCount := 3
	idle := hc.pool.Stats().Idle
	if idle < testCount {
		testCount = idle
	}
	for i := 0; i < testCount; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
		conn, err := hc.pool.Get(ctx)
		cancel()
		if err != nil || conn == nil {
			continue
		}
		ctx2, cancel2 := context.WithTimeout(context.Background(), hc.timeout)
		_, err = conn.ListBuckets(ctx2, nil)
		cancel2()
		if err != nil {
			hc.pool.mu.Lock()
			hc.pool.currentSize--
			hc.pool.stats.Destroyed++
			hc.pool.mu.Unlock()
			continue
		}
		hc.pool.Put(conn)
	}
}
