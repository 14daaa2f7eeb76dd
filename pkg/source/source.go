// Package source reads container metadata for the reconciler.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/abcdlsj/vhostsync/pkg/service"
)

// maxLookups bounds concurrent network lookups during Fetch
const maxLookups = 8

// ErrUnavailable wraps any failure to reach the metadata store
var ErrUnavailable = errors.New("data source unavailable")

// Source is a read/watch view over container metadata. Networks may be
// called concurrently.
type Source interface {
	// Label returns the value of key for every container that has it set.
	// The map is empty, never nil, when no container carries the label.
	Label(ctx context.Context, key string) (service.LabelMap, error)
	// Networks returns all network attachments of a container
	Networks(ctx context.Context, id service.ContainerID) (service.Networks, error)
	// WaitForUpdate blocks until watched data changes or ctx is done
	WaitForUpdate(ctx context.Context) error
}

// Snapshotter is implemented by sources whose separate reads can observe
// different points in time. Fetch calls BeginSnapshot before its first read
// so that one Fetch sees a single consistent view.
type Snapshotter interface {
	BeginSnapshot()
}

// LabelKeys names the container labels the reconciler consumes
type LabelKeys struct {
	Proxy       string `mapstructure:"proxy" yaml:"proxy"`             // proxied port, marks a container for proxying
	Vhost       string `mapstructure:"vhost" yaml:"vhost"`             // comma-separated domains
	Protocol    string `mapstructure:"protocol" yaml:"protocol"`       // upstream protocol
	LoadBalance string `mapstructure:"loadbalance" yaml:"loadbalance"` // load-balance group name
	Default     string `mapstructure:"default" yaml:"default"`         // default backend flag
}

// DefaultLabelKeys returns the stock label names
func DefaultLabelKeys() LabelKeys {
	return LabelKeys{
		Proxy:       "vhostsync.proxy",
		Vhost:       "vhostsync.vhost",
		Protocol:    "vhostsync.proxy.protocol",
		LoadBalance: "vhostsync.proxy.loadbalance",
		Default:     "vhostsync.proxy.default",
	}
}

// Fetch reads everything a reconciliation cycle needs from src
func Fetch(ctx context.Context, src Source, keys LabelKeys) (service.Snapshot, error) {
	if ss, ok := src.(Snapshotter); ok {
		ss.BeginSnapshot()
	}

	var snap service.Snapshot

	labels := []struct {
		key string
		dst *service.LabelMap
	}{
		{keys.Proxy, &snap.Ports},
		{keys.Protocol, &snap.Protocols},
		{keys.Default, &snap.Defaults},
		{keys.LoadBalance, &snap.LoadBalance},
	}
	for _, l := range labels {
		m, err := src.Label(ctx, l.key)
		if err != nil {
			return service.Snapshot{}, fmt.Errorf("%w: label %s: %w", ErrUnavailable, l.key, err)
		}
		*l.dst = m
	}

	vhosts, err := src.Label(ctx, keys.Vhost)
	if err != nil {
		return service.Snapshot{}, fmt.Errorf("%w: label %s: %w", ErrUnavailable, keys.Vhost, err)
	}
	snap.Domains = make(map[service.ContainerID][]string, len(vhosts))
	for id, v := range vhosts {
		if domains := SplitVhosts(v); len(domains) > 0 {
			snap.Domains[id] = domains
		}
	}

	snap.Networks = make(map[service.ContainerID]service.Networks, len(snap.Ports))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxLookups)
	for _, id := range snap.Containers() {
		g.Go(func() error {
			nets, err := src.Networks(gctx, id)
			if err != nil {
				return fmt.Errorf("%w: networks of %s: %w", ErrUnavailable, id, err)
			}
			mu.Lock()
			snap.Networks[id] = nets
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return service.Snapshot{}, err
	}

	return snap, nil
}

// SplitVhosts splits a comma-separated vhost label, dropping blank entries
func SplitVhosts(v string) []string {
	var out []string
	for _, d := range strings.Split(v, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}
