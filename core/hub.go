package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-multierror"

	"github.com/fedgen/fedgen/common/log"
	"github.com/fedgen/fedgen/coordinator"
	"github.com/fedgen/fedgen/export"
	"github.com/fedgen/fedgen/fs"
	dhttp "github.com/fedgen/fedgen/http"
	"github.com/fedgen/fedgen/metrics"
	"github.com/fedgen/fedgen/model"
	"github.com/fedgen/fedgen/store"
	"github.com/fedgen/fedgen/store/boltdb"
	"github.com/fedgen/fedgen/store/memdb"
	"github.com/fedgen/fedgen/transport"
)

const accessLogPerm = 0666

// nodeWaiter is implemented by transports that can tell when the nodes joined.
type nodeWaiter interface {
	WaitForNodes(ctx context.Context, n int) error
}

// Hub runs the coordinator of one session together with its history store,
// its status API and its metrics server.
type Hub struct {
	sync.Mutex
	conf      *Config
	session   *Session
	transport transport.Hub
	store     store.CallbackStore
	coord     *coordinator.Coordinator
	exporter  export.Exporter

	metricsLn net.Listener
	public    *http.Server
	publicLn  net.Listener
	accessLog io.Closer
	closers   []io.Closer

	closeOnce sync.Once
	log       log.Logger
}

// NewHub opens the history store of the session and prepares the coordinator.
// The transport is closed with the hub.
func NewHub(ctx context.Context, conf *Config, s *Session, tr transport.Hub) (*Hub, error) {
	cconf, err := s.CoordinatorConfig(conf.clock)
	if err != nil {
		return nil, err
	}
	l := conf.logger.Named("hub").With("session", cconf.Session)

	var st store.Store
	if conf.memoryStore {
		st = memdb.NewStore(0)
	} else {
		folder, err := fs.CreateSecureFolder(path.Join(conf.dbFolder, cconf.Session))
		if err != nil {
			return nil, err
		}
		st, err = boltdb.NewBoltStore(ctx, l, folder, conf.boltOpts)
		if err != nil {
			return nil, fmt.Errorf("opening history store: %w", err)
		}
	}
	cbStore := store.NewCallbackStore(st)
	for i, cb := range conf.modelCbs {
		fn := cb
		cbStore.AddCallback(fmt.Sprintf("config-%d", i), func(g *model.GlobalModel) { fn(g.Round) })
	}

	coord, err := coordinator.New(cconf, tr, nil, cbStore, l)
	if err != nil {
		_ = cbStore.Close(ctx)
		return nil, err
	}

	h := &Hub{
		conf:      conf,
		session:   s,
		transport: tr,
		store:     cbStore,
		coord:     coord,
		log:       l,
	}
	if len(conf.exporters) > 0 {
		h.exporter = export.Multi(conf.exporters)
	}
	if err := h.startServers(); err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Hub) startServers() error {
	if h.conf.metricsAddr != "" {
		h.metricsLn = metrics.Start(h.conf.metricsAddr, h.log)
	}
	if h.conf.publicListenAddr == "" {
		return nil
	}
	var out io.Writer = os.Stdout
	if h.conf.accessLog != "" {
		f, err := os.OpenFile(h.conf.accessLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, accessLogPerm)
		if err != nil {
			return fmt.Errorf("failed to open access log: %w", err)
		}
		h.accessLog = f
		out = f
	}
	handler := handlers.CombinedLoggingHandler(out, dhttp.New(h.store, h.coord, "fedgen/"+Version, h.log))
	ln, err := net.Listen("tcp", h.conf.publicListenAddr)
	if err != nil {
		return fmt.Errorf("listening for the status API: %w", err)
	}
	h.publicLn = ln
	h.public = &http.Server{Handler: handler}
	go func() {
		if err := h.public.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Errorw("", "hub", "status API stopped", "err", err)
		}
	}()
	h.log.Infow("", "hub", "status API started", "addr", ln.Addr().String())
	return nil
}

// PublicAddr returns the address of the status API, or an empty string.
func (h *Hub) PublicAddr() string {
	if h.publicLn == nil {
		return ""
	}
	return h.publicLn.Addr().String()
}

// Coordinator returns the coordinator of the session.
func (h *Hub) Coordinator() *coordinator.Coordinator {
	return h.coord
}

// Store returns the history store.
func (h *Hub) Store() store.Store {
	return h.store
}

// OnClose registers a resource closed after the hub.
func (h *Hub) OnClose(c io.Closer) {
	h.Lock()
	defer h.Unlock()
	h.closers = append(h.closers, c)
}

// Run waits for the nodes when the transport supports it, runs the session
// and exports the final model once it is DONE.
func (h *Hub) Run(ctx context.Context) (*coordinator.Summary, error) {
	if w, ok := h.transport.(nodeWaiter); ok {
		wctx, cancel := context.WithTimeout(ctx, DefaultNodeWaitTimeout)
		err := w.WaitForNodes(wctx, h.coord.NodeCount())
		cancel()
		if err != nil {
			return nil, fmt.Errorf("waiting for nodes: %w", err)
		}
		h.log.Infow("", "hub", "nodes joined", "nodes", h.coord.NodeCount())
	}

	summary, err := h.coord.Run(ctx)
	if err != nil {
		return summary, err
	}
	if h.exporter == nil {
		return summary, nil
	}
	e := summary.Model.Export()
	location, err := h.exporter.Export(ctx, e)
	if err != nil {
		// the model stays in the history store
		h.log.Errorw("", "hub", "export failed", "location", location, "err", err)
		return summary, fmt.Errorf("exporting final model: %w", err)
	}
	largest := 0
	if n := len(summary.Reports); n > 0 {
		largest = summary.Reports[n-1].LargestNode
	}
	stats, err := export.ComputeStats(e, largest)
	if err != nil {
		return summary, err
	}
	h.log.Infow("", "hub", "exported", "location", location, "stats", stats.String())
	return summary, nil
}

// Stop ends the session after the round in progress.
func (h *Hub) Stop() {
	h.coord.Stop()
}

// Close shuts the servers, the transport and the store down.
func (h *Hub) Close() error {
	var result *multierror.Error
	h.closeOnce.Do(func() {
		ctx := context.Background()
		if h.public != nil {
			if err := h.public.Shutdown(ctx); err != nil {
				result = multierror.Append(result, fmt.Errorf("status API: %w", err))
			}
		}
		if h.accessLog != nil {
			if err := h.accessLog.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("access log: %w", err))
			}
		}
		if h.metricsLn != nil {
			if err := h.metricsLn.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("metrics: %w", err))
			}
		}
		if err := h.transport.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("transport: %w", err))
		}
		if err := h.store.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("store: %w", err))
		}
		h.Lock()
		closers := h.closers
		h.Unlock()
		for _, c := range closers {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	})
	return result.ErrorOrNil()
}
