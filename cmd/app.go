package cmd

import (
	"context"

	"github.com/abcdlsj/vhostsync/internal/loop"
	"github.com/abcdlsj/vhostsync/pkg/config"
	"github.com/abcdlsj/vhostsync/pkg/render"
	"github.com/abcdlsj/vhostsync/pkg/service"
	"github.com/abcdlsj/vhostsync/pkg/source"
	"github.com/abcdlsj/vhostsync/pkg/source/docker"
	"github.com/abcdlsj/vhostsync/pkg/source/etcd"
	"github.com/abcdlsj/vhostsync/pkg/writer"
)

// newLoop wires the configured source, reconciler, renderer and writer. The
// returned func releases the source.
func newLoop(ctx context.Context, c *config.Config, opts ...loop.Option) (*loop.Loop, func(), error) {
	src, closeSrc, err := openSource(ctx, c)
	if err != nil {
		return nil, nil, err
	}

	r := service.NewReconciler(c.CertPaths())
	r.Select = c.Selector()

	l := loop.New(src, c.Labels, r,
		render.NewTemplateRenderer(c.Template),
		writer.New(c.Output),
		opts...)
	return l, closeSrc, nil
}

func openSource(ctx context.Context, c *config.Config) (source.Source, func(), error) {
	switch c.Source {
	case config.SourceDocker:
		s, err := docker.New(ctx, c.Docker, c.Labels.Proxy)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		s, err := etcd.New(c.Etcd)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}
