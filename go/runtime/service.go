package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gxp-io/fleet/go/blob"
	"github.com/gxp-io/fleet/go/command"
	"github.com/gxp-io/fleet/go/fleet"
	"github.com/gxp-io/fleet/go/ingest"
	"github.com/gxp-io/fleet/go/protocol"
	"github.com/gxp-io/fleet/go/router"
	"github.com/gxp-io/fleet/go/store"
	"github.com/gxp-io/fleet/go/transport"
)

// drainTimeout bounds the graceful shutdown: how long in-flight mailbox work
// may run after the serve context is cancelled.
const drainTimeout = 15 * time.Second

// sink fans the router's classified traffic out to the two halves of the
// ingester: check-ins and command acks to the handshake, image traffic and
// directives to the assembly manager.
type sink struct {
	ingest    *ingest.Manager
	handshake *command.Handshake
}

var _ router.Sink = (*sink)(nil)

func (s *sink) OnStatus(ctx context.Context, dev *fleet.Device, hw string, st *protocol.Status, raw []byte) {
	s.handshake.OnStatus(ctx, dev, hw, st, raw)
}

func (s *sink) OnImageMeta(ctx context.Context, dev *fleet.Device, hw string, m *protocol.ImageMeta) {
	s.ingest.OnImageMeta(ctx, dev, hw, m)
}

func (s *sink) OnChunk(ctx context.Context, dev *fleet.Device, hw string, c *protocol.Chunk) {
	s.ingest.OnChunk(ctx, dev, hw, c)
}

func (s *sink) OnDeviceAck(ctx context.Context, dev *fleet.Device, hw string, a *protocol.DeviceAck) {
	s.handshake.OnDeviceAck(ctx, dev, hw, a)
}

func (s *sink) OnDirective(ctx context.Context, dev *fleet.Device, hw string, d router.Directive) {
	s.ingest.OnDirective(ctx, dev, hw, d)
}

// Service is a fully-wired ingester, ready to Serve.
type Service struct {
	cfg     Config
	store   store.Store
	bucket  blob.Bucket
	client  transport.Client
	router  *router.Router
	manager *ingest.Manager
	poller  *command.Poller
	reaper  *ingest.Reaper
}

// NewService wires the ingester components over the given store, bucket and
// transport. The caller owns opening and closing those three dependencies;
// Serve owns everything built here.
func NewService(cfg Config, s store.Store, bucket blob.Bucket, client transport.Client) (*Service, error) {
	var topics, err = cfg.Topics()
	if err != nil {
		return nil, err
	}

	var manager = ingest.NewManager(cfg.IngestConfig(topics.Ack), s, bucket, client)
	var handshake = command.NewHandshake(topics.Cmd, s, client)
	var rt = router.New(router.Config{
		Topics:      topics,
		MailboxSize: cfg.Ingest.MailboxSize,
	}, s, &sink{ingest: manager, handshake: handshake})
	manager.Bind(rt)

	return &Service{
		cfg:     cfg,
		store:   s,
		bucket:  bucket,
		client:  client,
		router:  rt,
		manager: manager,
		poller:  command.NewPoller(ms(cfg.Command.PollMS), topics.Cmd, s, client),
		reaper:  ingest.NewReaper(ms(cfg.Ingest.ReaperIntervalMS), manager, rt),
	}, nil
}

// Serve subscribes the inbound routes and runs the command poller, the
// assembly reaper and the metrics listener until ctx is cancelled, then
// drains in-flight work before returning.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.router.Start(ctx, s.client); err != nil {
		return fmt.Errorf("starting router: %w", err)
	}

	var group, gctx = errgroup.WithContext(ctx)
	group.Go(func() error { return s.poller.Run(gctx) })
	group.Go(func() error { return s.reaper.Run(gctx) })
	if s.cfg.Metrics.Port > 0 {
		group.Go(func() error { return s.serveMetrics(gctx) })
	}
	var err = group.Wait()

	// Drain: stop dispatching inbound work and let the per-device workers
	// finish their mailboxes, then cut assembly timers and the broker
	// session. Order matters: workers still publish ACKs while draining.
	var drain, cancel = context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if cerr := s.router.Close(drain); cerr != nil {
		log.WithField("err", cerr).Warn("router drain was cut short")
	}
	s.manager.Stop()
	if cerr := s.client.Close(drain); cerr != nil {
		log.WithField("err", cerr).Warn("failed to close broker client")
	}
	return err
}

func (s *Service) serveMetrics(ctx context.Context) error {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	var srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Metrics.Port),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		var shutdown, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	log.WithField("addr", srv.Addr).Info("serving metrics and health checks")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return nil
}

// OpenStore opens the configured backing store, wrapped in the device read
// cache. An empty DATABASE_URL falls back to a volatile in-memory store so
// the binary runs without infrastructure.
func OpenStore(ctx context.Context, cfg Config) (store.Store, func(), error) {
	var inner store.Store
	var closer = func() {}

	if cfg.Database.URL != "" {
		var pg, err = store.NewPostgres(ctx, cfg.Database.URL, ms(cfg.Database.TimeoutMS))
		if err != nil {
			return nil, nil, fmt.Errorf("opening store: %w", err)
		}
		inner, closer = pg, pg.Close
	} else {
		log.Warn("DATABASE_URL is empty; devices and captures live in memory and vanish on restart")
		inner = store.NewMemory()
	}
	return store.NewDeviceCache(inner, cfg.Database.CacheSize, ms(cfg.Database.CacheTTLMS)), closer, nil
}

// OpenBucket opens the configured blob store. An empty STORAGE_BUCKET falls
// back to a volatile in-memory bucket.
func OpenBucket(ctx context.Context, cfg Config) (blob.Bucket, func(), error) {
	if cfg.Storage.Bucket == "" {
		log.Warn("STORAGE_BUCKET is empty; image blobs live in memory and vanish on restart")
		return blob.NewMemory(), func() {}, nil
	}

	var g, err = blob.NewGCS(ctx, cfg.Storage.Bucket, cfg.Storage.PublicBase)
	if err != nil {
		return nil, nil, fmt.Errorf("opening bucket: %w", err)
	}
	return g, func() {
		if cerr := g.Close(); cerr != nil {
			log.WithField("err", cerr).Warn("failed to close storage client")
		}
	}, nil
}
