package commands

import (
	"database/sql"

	"github.com/teranos/crmpulse/am"
	"github.com/teranos/crmpulse/crm"
	"github.com/teranos/crmpulse/db"
	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
	"github.com/teranos/crmpulse/pulse/async"
	"github.com/teranos/crmpulse/pulse/transport/amqp"
)

// openDatabase opens and migrates the configured database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// client is what job-creating commands share: the database, the job store,
// a registry with every CRM kind and the configured signal transport
type client struct {
	cfg        *am.Config
	db         *sql.DB
	store      *async.Store
	registry   *async.Registry
	queue      async.Queue
	dispatcher *async.Dispatcher
	closeQueue func()
}

func openClient() (*client, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	c := &client{
		cfg:        cfg,
		db:         database,
		store:      async.NewStore(database),
		registry:   async.NewRegistry(),
		closeQueue: func() {},
	}
	if err := crm.Autodiscover(c.registry, crm.Deps{DB: database, Store: c.store, Config: cfg}); err != nil {
		database.Close()
		return nil, err
	}

	// With the local transport, signals die with this process: the daemon's
	// sweep picks the jobs up instead
	if cfg.Queue.Transport == am.TransportAMQP {
		q, err := amqp.Dial(cfg.Queue, logger.Logger)
		if err != nil {
			logger.Logger.Warnw("AMQP unavailable, jobs will wait for the next sweep", logger.FieldError, err)
		} else {
			c.queue = q
			c.closeQueue = func() { q.Close() }
		}
	}
	c.dispatcher = async.NewDispatcher(c.registry, c.store, c.queue, logger.Logger)
	return c, nil
}

func (c *client) Close() {
	c.closeQueue()
	c.db.Close()
}
