package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/medseal/keys"
	"github.com/jmcleod/medseal/internal/util"
)

// ErrContextReleased is returned after the last reference to a Context has
// been released.
var ErrContextReleased = errors.New("configuration context released")

// Context holds the configuration and master key for every core operation.
// It starts with one reference; Retain and Release adjust the count and the
// key material is destroyed when it drops to zero. Init is idempotent and at
// most one fetch is in flight at a time.
type Context struct {
	source Source
	group  singleflight.Group

	mu     sync.RWMutex
	refs   int
	cfg    *Config
	key    *memguard.Enclave
	closed bool
}

var _ keys.MasterKeySource = (*Context)(nil)

// NewContext returns an uninitialised Context reading from src.
func NewContext(src Source) *Context {
	return &Context{source: src, refs: 1}
}

// Retain adds a reference and returns c.
func (c *Context) Retain() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.refs++
	}
	return c
}

// Release drops a reference. The last release wipes the cached key.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.refs--
	if c.refs > 0 {
		return
	}
	c.closed = true
	c.cfg = nil
	c.key = nil
}

// Refs returns the current reference count.
func (c *Context) Refs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refs
}

// Init fetches the configuration if it has not been fetched yet. A failed
// fetch is not cached; the next call tries again.
func (c *Context) Init(ctx context.Context) error {
	c.mu.RLock()
	closed, ready := c.closed, c.cfg != nil
	c.mu.RUnlock()
	if closed {
		return ErrContextReleased
	}
	if ready {
		return nil
	}

	// The fetch runs detached from the first caller's cancellation so a
	// cancelled caller does not fail everyone waiting on the same flight.
	// Sources apply their own timeout.
	ch := c.group.DoChan("init", func() (any, error) {
		return nil, c.load(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConfigurationUnavailable, ctx.Err())
	}
}

func (c *Context) load(ctx context.Context) error {
	c.mu.RLock()
	ready := c.cfg != nil
	c.mu.RUnlock()
	if ready {
		return nil
	}

	cfg, err := c.source.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrConfigurationUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrConfigurationUnavailable, err)
	}
	raw, err := keys.ParseHexKey(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigurationUnavailable, err)
	}
	public := cfg.Public()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		util.WipeBytes(raw)
		return ErrContextReleased
	}
	c.cfg = &public
	// NewEnclave wipes raw once it has been sealed.
	c.key = memguard.NewEnclave(raw)
	return nil
}

// Config returns the configuration without the master key.
func (c *Context) Config(ctx context.Context) (Config, error) {
	if err := c.Init(ctx); err != nil {
		return Config{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cfg == nil {
		return Config{}, ErrContextReleased
	}
	return *c.cfg, nil
}

// MasterKey returns a copy of the 32-byte global key. The caller owns the
// copy and should wipe it after use.
func (c *Context) MasterKey(ctx context.Context) ([]byte, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	enclave := c.key
	c.mu.RUnlock()
	if enclave == nil {
		return nil, ErrContextReleased
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: opening key enclave: %v", ErrConfigurationUnavailable, err)
	}
	defer buf.Destroy()
	return util.CopyBytes(buf.Bytes()), nil
}
