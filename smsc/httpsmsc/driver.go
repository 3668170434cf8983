package httpsmsc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"smsgw/msg"
	"smsgw/octet"
	"smsgw/smscconn"
)

// Config is the smsc group for an HTTP aggregator link.
type Config struct {
	SystemType string `yaml:"systemType"` // kannel, brunet, xidris, wapme
	SendURL    string `yaml:"sendUrl"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`

	// Port accepts MO traffic from the aggregator; 0 disables it.
	Port int `yaml:"port"`

	Workers        int           `yaml:"workers"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 10 * time.Second
	}
}

const replyLimit = 64 * 1024

// Driver bridges MT to aggregator HTTP requests through a worker pool
// and MO from an embedded HTTP server.
type Driver struct {
	c       *smscconn.Conn
	cb      smscconn.Callbacks
	cfg     Config
	variant Variant
	log     *logrus.Entry

	client *http.Client
	pool   *ants.Pool
	server *echo.Echo

	stopRecv atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
}

// New builds the driver; the system-type picks the dialect.
func New(c *smscconn.Conn, cb smscconn.Callbacks, cfg Config) (*Driver, error) {
	cfg.defaults()
	variant, err := NewVariant(cfg.SystemType)
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, err
	}
	return &Driver{
		c:       c,
		cb:      cb,
		cfg:     cfg,
		variant: variant,
		log:     c.Log.WithField("proto", "http/"+variant.Name()),
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		pool:    pool,
		stop:    make(chan struct{}),
	}, nil
}

func (d *Driver) Start() {
	if d.cfg.Port > 0 {
		d.server = echo.New()
		d.server.HideBanner = true
		d.server.Any("/", d.handleMO)
		go func() {
			addr := fmt.Sprintf(":%d", d.cfg.Port)
			if err := d.server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.WithError(err).Error("MO server failed")
			}
		}()
	}
	d.c.SetStatus(smscconn.StatusActive)
	d.cb.Ready(d.c)
	d.cb.Connected(d.c)
}

func (d *Driver) Stop() { d.stopRecv.Store(true) }

func (d *Driver) Queued() int { return d.pool.Running() }

// Send hands the message to the worker pool; a saturated pool reports a
// full queue so the router re-queues.
func (d *Driver) Send(m *msg.Msg) error {
	d.inflight.Add(1)
	err := d.pool.Submit(func() {
		defer d.inflight.Done()
		d.deliver(m)
	})
	if err != nil {
		d.inflight.Done()
		return smscconn.ErrQueueFull
	}
	return nil
}

func (d *Driver) Shutdown(finishSending bool) {
	if finishSending {
		done := make(chan struct{})
		go func() { d.inflight.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
		}
	}
	d.stopOnce.Do(func() { close(d.stop) })
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.server.Shutdown(ctx)
		cancel()
	}
	d.pool.Release()
	if d.c.WhyKilled() == smscconn.KillAlive {
		d.c.Kill(smscconn.KillShutdown)
	}
	d.cb.Killed(d.c)
}

func (d *Driver) stopping() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}

// deliver performs one MT exchange, retrying unreachable-peer errors
// until shutdown.
func (d *Driver) deliver(m *msg.Msg) {
	if wait := d.c.Throttle.Delay(); wait > 0 {
		time.Sleep(wait)
	}
	for {
		req, err := d.variant.Request(&d.cfg, m)
		if err != nil {
			d.cb.SendFailed(d.c, m, smscconn.FailMalformed, err.Error())
			return
		}
		resp, err := d.client.Do(req)
		if err != nil {
			if d.stopping() {
				d.cb.SendFailed(d.c, m, smscconn.FailShutdown, err.Error())
				return
			}
			d.log.WithError(err).Warning("aggregator unreachable")
			d.c.SetStatus(smscconn.StatusReconnecting)
			select {
			case <-d.stop:
				d.cb.SendFailed(d.c, m, smscconn.FailShutdown, "connection shutdown")
				return
			case <-time.After(d.cfg.ReconnectDelay):
			}
			continue
		}
		d.c.SetStatus(smscconn.StatusActive)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, replyLimit))
		resp.Body.Close()
		if err := d.variant.ParseReply(resp.StatusCode, body); err != nil {
			var reject *RejectError
			reason := smscconn.FailTemporary
			if errors.As(err, &reject) {
				reason = smscconn.FailRejected
			}
			d.cb.SendFailed(d.c, m, reason, err.Error())
			return
		}
		d.cb.Sent(d.c, m, "")
		return
	}
}

// handleMO accepts one MO request from the aggregator.
func (d *Driver) handleMO(ctx echo.Context) error {
	if d.stopRecv.Load() {
		return ctx.String(http.StatusServiceUnavailable, "stopped")
	}
	m, err := d.variant.ReceiveSMS(&d.cfg, ctx)
	if err != nil {
		d.log.WithError(err).Warning("rejecting MO request")
		return ctx.String(http.StatusForbidden, err.Error())
	}
	m.SMS.SMSCID = octet.FromString(d.c.ID)
	m.NewSMSID()
	m.Touch()
	if err := d.cb.Receive(d.c, m); err != nil {
		return ctx.String(http.StatusInternalServerError, "not accepted")
	}
	return ctx.String(http.StatusAccepted, d.variant.AcceptBody())
}
