// Package engine runs HTTP(S) requests of cooperative tasks on a single event loop.
//
// A task issuing a request without an OnComplete callback is suspended until the response is there,
// while the loop keeps driving every other transfer. Streaming callbacks (OnHeader, OnReceive,
// OnSend, OnProgress) run in tasks of their own as data moves.
//
// Everything but [Engine.Run], [Engine.Shutdown], [Engine.Go], [Engine.Do] and the Set* methods
// must be called on the loop, that is from a task started by the engine.
package engine

import (
	"cmp"
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"async-http/application/http/cookie"
	"async-http/application/http/multi"
	"async-http/lib/reactor"
	"async-http/lib/task"
	"async-http/transport/tunnel"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

var ErrShutdown = errors.New("engine is shut down")

// NoProxy lists hosts never reached through a proxy.
var NoProxy = []string{"127.0.0.1", "localhost"}

type Engine struct {
	cfg Config

	loop    *reactor.Loop
	bridge  *bridge
	watches *watchRegistry
	coord   *coordinator
	sched   *scheduler
	tasks   *taskSet
	verbose *verboseLog

	// Loop only.
	jars map[string]*cookie.Jar

	defaultsMu sync.Mutex
	cookieJar  string
	caInfo     string
	caPath     string

	runMu   sync.Mutex
	runDone chan struct{}
	shut    atomic.Bool

	logger *slog.Logger
	clock  clock.Clock
}

func New(logger *slog.Logger, clock clock.Clock, cfg Config) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	loop, err := reactor.New(logger, clock)
	if err != nil {
		return nil, errors.Wrap(err, "creating loop")
	}

	e := &Engine{
		cfg:       cfg,
		loop:      loop,
		jars:      make(map[string]*cookie.Jar),
		cookieJar: cfg.CookieJar,
		caInfo:    cfg.CAInfo,
		caPath:    cfg.CAPath,
		logger:    logger,
		clock:     clock,
	}

	e.tasks = newTaskSet(logger)
	e.bridge = newBridge(loop, logger)
	e.watches = newWatchRegistry(loop, e.bridge.onSocketEvent, logger)
	e.sched = newScheduler(loop, e.tasks, logger)
	e.coord = newCoordinator(e.newMulti, e.sched, logger)
	e.bridge.coord = e.coord
	e.verbose = newVerboseLog(cfg.VerboseLog, logger)

	return e, nil
}

func (e *Engine) newMulti() *multi.Multi {
	e.logger.Debug("creating multi")

	return multi.New(e.logger, e.clock, multi.Options{
		SocketFunc:   e.watches.socketFunc,
		TimerFunc:    e.bridge.setTimeout,
		MaxTransfers: e.cfg.MaxTransfers,
		Lookuper:     e.cfg.Lookuper,
	})
}

// Run runs the loop until ctx is done or the engine is shut down.
// It may be called again after it returned.
func (e *Engine) Run(ctx context.Context) error {
	e.runMu.Lock()
	if e.shut.Load() {
		e.runMu.Unlock()
		return ErrShutdown
	}
	done := make(chan struct{})
	e.runDone = done
	e.runMu.Unlock()

	defer func() {
		e.runMu.Lock()
		e.runDone = nil
		e.runMu.Unlock()
		close(done)
	}()

	e.logger.Info("engine running")
	return errors.Wrap(e.loop.Run(ctx), "running loop")
}

// Shutdown aborts every transfer, unwinds suspended tasks and releases the loop.
// Callers waiting for a response are not resumed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.runMu.Lock()
	if e.shut.Swap(true) {
		e.runMu.Unlock()
		return nil
	}
	done := e.runDone
	e.runMu.Unlock()

	var merr *multierror.Error
	tornDown := false

	if done != nil {
		errc := make(chan error, 1)
		if err := e.loop.Post(func() {
			errc <- e.teardown()
			e.loop.Stop()
		}); err != nil {
			return errors.Wrap(err, "posting shutdown")
		}

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case err := <-errc:
			merr = multierror.Append(merr, err)
			tornDown = true
		default:
			// Run returned before the posted teardown could run.
		}
	}

	if !tornDown {
		merr = multierror.Append(merr, e.teardown())
	}

	if err := e.loop.Close(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "closing loop"))
	}

	e.logger.Info("engine shut down")
	return merr.ErrorOrNil()
}

func (e *Engine) teardown() error {
	var merr *multierror.Error

	if err := e.coord.close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	e.bridge.stop()
	e.watches.closeAll()

	e.tasks.killAll()

	for path, jar := range e.jars {
		if err := jar.Save(); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "saving cookie jar %s", path))
		}
	}
	clear(e.jars)

	if err := e.verbose.close(); err != nil {
		merr = multierror.Append(merr, err)
	}

	return merr.ErrorOrNil()
}

// Go runs fn as a new task on the loop.
func (e *Engine) Go(fn func(t *task.Task)) error {
	if e.shut.Load() {
		return ErrShutdown
	}

	err := e.loop.Post(func() {
		e.tasks.track(task.Go(fn))
	})
	return errors.Wrap(err, "posting task")
}

func (e *Engine) setDefault(option string, dst *string, v string) error {
	if v == "" {
		return configErrorf(option, "empty path")
	}

	e.defaultsMu.Lock()
	defer e.defaultsMu.Unlock()
	*dst = v
	return nil
}

// SetCookieJar sets the cookie jar of requests without the cookiejar option.
func (e *Engine) SetCookieJar(path string) error { return e.setDefault("cookiejar", &e.cookieJar, path) }

// SetCAInfo sets the CA bundle of requests without the cainfo option.
func (e *Engine) SetCAInfo(path string) error { return e.setDefault("cainfo", &e.caInfo, path) }

// SetCAPath sets the CA directory of requests without the capath option.
func (e *Engine) SetCAPath(path string) error { return e.setDefault("capath", &e.caPath, path) }

func (e *Engine) defaults() (cookieJar, caInfo, caPath string) {
	e.defaultsMu.Lock()
	defer e.defaultsMu.Unlock()
	return e.cookieJar, e.caInfo, e.caPath
}

// jar returns the jar shared by requests using path.
// A jar that cannot be read is logged and the request goes without cookies.
func (e *Engine) jar(path string) *cookie.Jar {
	if jar, ok := e.jars[path]; ok {
		return jar
	}

	jar, err := cookie.Load(path, e.logger, e.clock)
	if err != nil {
		e.logger.Error("failed to load cookie jar", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}

	e.jars[path] = jar
	return jar
}

// handleConfig translates opts, with the engine defaults, into the configuration of a multi handle.
func (e *Engine) handleConfig(method string, opts *Options) (cfg multi.Config, jarPath string) {
	defaultJar, defaultCAInfo, defaultCAPath := e.defaults()

	cfg = multi.Config{
		Method:       method,
		URL:          opts.URL,
		Body:         opts.Body,
		LowSpeedTime: DefaultTimeout * time.Second,
		Timeout:      time.Duration(opts.ConnTimeout) * time.Second,
		TLS: tunnel.TLSOptions{
			VerifyPeer:   true,
			VerifyHost:   true,
			CAFile:       cmp.Or(opts.CAInfo, defaultCAInfo),
			CAPath:       cmp.Or(opts.CAPath, defaultCAPath),
			CertFile:     opts.SSLCert,
			CertType:     opts.SSLCertType,
			CertPassword: opts.SSLCertPasswd,
			KeyFile:      opts.SSLKey,
			KeyType:      opts.SSLKeyType,
			KeyPassword:  opts.SSLKeyPasswd,
		},
		ProxyTunnel: opts.ProxyTunnel,
		NoProxy:     NoProxy,
		DNSServers:  opts.DNSServers,
		ForbidReuse: opts.ForbidReuse,
	}

	if opts.Timeout != nil {
		cfg.LowSpeedTime = time.Duration(*opts.Timeout) * time.Second
	}
	if opts.SSLVerifyPeer != nil {
		cfg.TLS.VerifyPeer = *opts.SSLVerifyPeer
	}
	if opts.SSLVerifyHost != nil {
		cfg.TLS.VerifyHost = *opts.SSLVerifyHost != 0
	}

	if opts.Proxy != "" {
		host := strings.TrimSuffix(strings.TrimPrefix(opts.Proxy, "http://"), "/")
		cfg.Proxy = net.JoinHostPort(host, strconv.Itoa(opts.ProxyPort))
	}

	for _, f := range opts.headerFields() {
		cfg.Headers = append(cfg.Headers, multi.Header{Name: f.name, Value: f.value})
	}

	return cfg, cmp.Or(opts.CookieJar, defaultJar)
}

// request submits a transfer and, without OnComplete, suspends t until its response is there.
func (e *Engine) request(t *task.Task, method string, opts Options) (*Response, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.OnComplete == nil && t == nil {
		return nil, configErrorf("oncomplete", "required outside of a task")
	}

	cfg, jarPath := e.handleConfig(method, &opts)

	tc := newTransferContext(method, &opts, t, e.tasks, e.logger)
	if opts.Verbose {
		tc.verbose = e.verbose
	}
	tc.jar = e.jar(jarPath)
	tc.bind(&cfg)

	h, err := multi.NewHandle(cfg)
	if err != nil {
		tc.release()
		return nil, configErrorf("", "%s", err)
	}
	tc.handle = h

	e.coord.submit(tc)

	if opts.OnComplete != nil {
		return nil, nil
	}

	resp, _ := t.Suspend().(*Response)
	return resp, nil
}
