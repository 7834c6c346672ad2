package main

import (
	"strings"
	"sync"

	"crosspost/internal/config"
	"crosspost/internal/identity"
	"crosspost/internal/queue"
)

// commandContext lazily loads configuration and opens the queue store so
// subcommands share one instance of each.
type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error

	storeOnce sync.Once
	store     *queue.Store
	storeErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolvedPath, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolvedPath
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureStore() (*queue.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	c.storeOnce.Do(func() {
		c.store, c.storeErr = queue.Open(cfg)
	})
	return c.store, c.storeErr
}

func (c *commandContext) ensurePool() (*identity.Pool, error) {
	store, err := c.ensureStore()
	if err != nil {
		return nil, err
	}
	cfg, _ := c.ensureConfig()
	return identity.NewPool(store, cfg, nil), nil
}

func (c *commandContext) close() {
	if c.store != nil {
		_ = c.store.Close()
	}
}
