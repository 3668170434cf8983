package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo"
	"github.com/sirupsen/logrus"
)

// AdminServer is the bearerbox HTTP control surface: status in several
// flavors plus shutdown, suspend, isolate and resume, all guarded by a
// password and a linearly growing denial delay per client.
type AdminServer struct {
	bb   *Bearerbox
	port int
	log  *logrus.Entry

	server *echo.Echo

	mu       sync.Mutex
	failures map[string]int // client ip -> consecutive auth failures
}

// denialStep is the delay added per consecutive failed authentication.
const denialStep = time.Second

func NewAdminServer(bb *Bearerbox, port int) *AdminServer {
	return &AdminServer{
		bb:       bb,
		port:     port,
		log:      logrus.WithField("part", "admin"),
		failures: make(map[string]int),
	}
}

func (a *AdminServer) Start() {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	for _, suffix := range []string{"", ".txt", ".html", ".xml", ".wml"} {
		e.GET("/cgi-bin/status"+suffix, a.status)
	}
	e.GET("/cgi-bin/store-status", a.storeStatus)
	e.GET("/cgi-bin/shutdown", a.shutdown)
	e.GET("/cgi-bin/suspend", a.suspend)
	e.GET("/cgi-bin/isolate", a.isolate)
	e.GET("/cgi-bin/resume", a.resume)
	a.server = e
	go func() {
		addr := fmt.Sprintf(":%d", a.port)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("admin server failed")
		}
	}()
	a.log.WithField("port", a.port).Info("admin server up")
}

func (a *AdminServer) Stop() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.server.Shutdown(ctx)
	}
}

func clientIP(ctx echo.Context) string {
	host, _, err := net.SplitHostPort(ctx.Request().RemoteAddr)
	if err != nil {
		return ctx.Request().RemoteAddr
	}
	return host
}

// authorize checks the password query parameter. Each failure grows the
// client's denial delay by one step; success resets it.
func (a *AdminServer) authorize(ctx echo.Context, statusOK bool) bool {
	given := ctx.QueryParam("password")
	ok := given != "" && given == a.bb.cfg.Core.AdminPassword
	if !ok && statusOK && a.bb.cfg.Core.StatusPassword != "" {
		ok = given == a.bb.cfg.Core.StatusPassword
	}
	if a.bb.cfg.Core.AdminPassword == "" && statusOK {
		ok = true // status open when no password is configured
	}
	ip := clientIP(ctx)
	a.mu.Lock()
	if ok {
		delete(a.failures, ip)
		a.mu.Unlock()
		return true
	}
	a.failures[ip]++
	delay := time.Duration(a.failures[ip]) * denialStep
	a.mu.Unlock()
	time.Sleep(delay)
	return false
}

// statusText renders the per-connection and counter lines shared by all
// status flavors.
func (a *AdminServer) statusText() string {
	bb := a.bb
	var b strings.Builder
	state := "running"
	switch {
	case bb.stopping.Load():
		state = "shutting down"
	case bb.suspended.Load():
		state = "suspended"
	case bb.isolated.Load():
		state = "isolated"
	}
	fmt.Fprintf(&b, "status: %s, uptime %s\n", state,
		time.Since(bb.started).Round(time.Second))
	fmt.Fprintf(&b, "received %d msgs (mo), sent %d msgs (mt), %d dlr\n",
		bb.moCount.Load(), bb.mtCount.Load(), bb.dlrCount.Load())
	fmt.Fprintf(&b, "queues: incoming %d, outgoing %d\n",
		bb.incoming.Len(), bb.outgoing.Len())
	fmt.Fprintf(&b, "store: %d pending, dlr: %d entries\n",
		bb.store.Pending(), bb.dlr.Messages())
	for _, c := range bb.Conns() {
		i := c.Info()
		fmt.Fprintf(&b, "%s[%s] %s (online %ds) rcvd %d, sent %d, failed %d, queued %d\n",
			i.Name, i.ID, i.Status, i.OnlineSeconds, i.Received, i.Sent, i.Failed, i.Queued)
	}
	return b.String()
}

func (a *AdminServer) status(ctx echo.Context) error {
	if !a.authorize(ctx, true) {
		return ctx.String(http.StatusForbidden, "Denied\n")
	}
	text := a.statusText()
	path := ctx.Request().URL.Path
	switch {
	case strings.HasSuffix(path, ".xml"):
		var b strings.Builder
		b.WriteString("<gateway>\n")
		for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
			fmt.Fprintf(&b, "  <line>%s</line>\n", line)
		}
		b.WriteString("</gateway>\n")
		return ctx.Blob(http.StatusOK, "text/xml", []byte(b.String()))
	case strings.HasSuffix(path, ".html"):
		body := "<html><body><pre>" + text + "</pre></body></html>\n"
		return ctx.HTML(http.StatusOK, body)
	case strings.HasSuffix(path, ".wml"):
		body := "<wml><card><p>" + strings.ReplaceAll(text, "\n", "<br/>") + "</p></card></wml>\n"
		return ctx.Blob(http.StatusOK, "text/vnd.wap.wml", []byte(body))
	default:
		return ctx.String(http.StatusOK, text)
	}
}

func (a *AdminServer) storeStatus(ctx echo.Context) error {
	if !a.authorize(ctx, true) {
		return ctx.String(http.StatusForbidden, "Denied\n")
	}
	return ctx.String(http.StatusOK,
		fmt.Sprintf("store: %d pending messages\n", a.bb.store.Pending()))
}

func (a *AdminServer) shutdown(ctx echo.Context) error {
	if !a.authorize(ctx, false) {
		return ctx.String(http.StatusForbidden, "Denied\n")
	}
	a.log.Info("shutdown via admin")
	go a.bb.Stop(true)
	return ctx.String(http.StatusOK, "Bringing the gateway down\n")
}

func (a *AdminServer) suspend(ctx echo.Context) error {
	if !a.authorize(ctx, false) {
		return ctx.String(http.StatusForbidden, "Denied\n")
	}
	a.bb.suspended.Store(true)
	return ctx.String(http.StatusOK, "Suspended\n")
}

func (a *AdminServer) isolate(ctx echo.Context) error {
	if !a.authorize(ctx, false) {
		return ctx.String(http.StatusForbidden, "Denied\n")
	}
	a.bb.isolated.Store(true)
	return ctx.String(http.StatusOK, "Isolated\n")
}

func (a *AdminServer) resume(ctx echo.Context) error {
	if !a.authorize(ctx, false) {
		return ctx.String(http.StatusForbidden, "Denied\n")
	}
	a.bb.suspended.Store(false)
	a.bb.isolated.Store(false)
	return ctx.String(http.StatusOK, "Running\n")
}
