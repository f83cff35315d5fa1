package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/BartekS5/pagesync/internal/config"
	"github.com/BartekS5/pagesync/internal/etl"
	"github.com/BartekS5/pagesync/internal/event"
	"github.com/BartekS5/pagesync/internal/jobs"
	"github.com/BartekS5/pagesync/internal/source"
	"github.com/BartekS5/pagesync/internal/store"
	"github.com/BartekS5/pagesync/pkg/database"
	"github.com/BartekS5/pagesync/pkg/logger"
	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/rs/zerolog"
)

// app holds everything a command needs, built from the configuration.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	store      store.Store
	bus        event.Bus
	controller *jobs.Controller
	sweeper    *jobs.Sweeper

	closers []func() error
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}

	log, closeLog, err := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	a := &app{cfg: cfg, logger: log, closers: []func() error{closeLog}}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	a.bus = event.NewBus(log)
	a.bus.Subscribe(event.EventJobCheckpointed, func(_ context.Context, ev event.Event) error {
		if p, ok := ev.Payload.(event.CheckpointEvent); ok {
			log.Debug().
				Str("job_id", p.JobID).
				Str("phase", string(p.Checkpoint.Phase)).
				Int("page", p.Checkpoint.PageNumber).
				Msg("checkpoint")
		}
		return nil
	})

	engine := etl.NewEngine(etl.Deps{
		Checkpoints: st,
		Progress:    st,
		Signal:      st,
		Bus:         a.bus,
		Logger:      log,
	}, cfg.EngineOptions())

	jobOpts := cfg.JobOptions()
	a.controller = jobs.NewController(st, engine, a.bind, a.bus, log, jobOpts)
	a.sweeper = jobs.NewSweeper(st, a.bus, log, jobOpts.StaleAfter, jobOpts.Retention)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.DSN)
	case "postgres":
		pool, err := database.ConnectPostgres(ctx, cfg.Store.DSN, cfg.Store.MaxConnections)
		if err != nil {
			return nil, err
		}
		s := store.NewPostgresStore(pool)
		if err := s.Migrate(ctx, log); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// bind resolves the source, transformer and loader of a job from the
// mapping named after its source.
func (a *app) bind(ctx context.Context, j *models.Job) (*jobs.Binding, error) {
	mapping, err := config.LoadMapping(a.cfg.MappingPath(j.Source))
	if err != nil {
		return nil, &etl.FatalError{Err: err}
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	b := &jobs.Binding{Transformer: etl.NewTransformer(mapping), Close: closeAll}

	switch mapping.Request.Kind {
	case "", "http":
		b.Source = source.NewHTTPFromMapping(mapping, a.cfg.Source.BaseURL, a.cfg.Source.AccessToken,
			a.cfg.Source.UserAgent, a.cfg.Source.Timeout)
	case "mongo":
		client, err := database.ConnectMongo(ctx, a.cfg.Source.BaseURL)
		if err != nil {
			return nil, &etl.FatalError{Err: err}
		}
		closers = append(closers, func() error { return client.Disconnect(context.Background()) })
		coll := client.Database(a.cfg.Source.Database).Collection(mapping.Request.Path)
		b.Source = source.NewMongo(coll, mapping.Request.SortField, mapping.Request.MaxPageSize)
	}

	loader, closeLoader, err := a.openLoader(ctx, mapping)
	if err != nil {
		_ = closeAll()
		return nil, &etl.FatalError{Err: err}
	}
	closers = append(closers, closeLoader)
	b.Loader = loader
	return b, nil
}

// openLoader connects to the configured sink and makes sure its table or
// index exists. Dry runs get no loader.
func (a *app) openLoader(ctx context.Context, mapping *models.MappingSchema) (etl.Loader, func() error, error) {
	noop := func() error { return nil }
	if a.cfg.Load.DryRun {
		return nil, noop, nil
	}
	log := a.logger.With().Str("entity", mapping.Entity).Logger()

	switch a.cfg.Load.Driver {
	case "postgres":
		pool, err := database.ConnectPostgres(ctx, a.cfg.Load.DSN, a.cfg.Store.MaxConnections)
		if err != nil {
			return nil, nil, err
		}
		l := etl.NewPostgresLoader(pool, mapping, log)
		if err := l.EnsureTable(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return l, func() error { pool.Close(); return nil }, nil
	case "mongo":
		client, err := database.ConnectMongo(ctx, a.cfg.Load.DSN)
		if err != nil {
			return nil, nil, err
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }
		l := etl.NewMongoLoader(client, a.cfg.Load.Database, mapping, log)
		if err := l.EnsureIndexes(ctx); err != nil {
			_ = disconnect()
			return nil, nil, err
		}
		return l, disconnect, nil
	case "sqlserver":
		db, err := database.ConnectSQL(ctx, a.cfg.Load.DSN)
		if err != nil {
			return nil, nil, err
		}
		l := etl.NewSQLLoader(db, mapping, log)
		if err := l.EnsureTable(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return l, db.Close, nil
	default:
		return nil, noop, nil
	}
}
