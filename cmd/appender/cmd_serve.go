package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ozontech/appender/fakeserver"
)

type ServeCommand struct {
	Addr       string        `default:"localhost:9090" help:"Listen address."`
	StatsEvery time.Duration `default:"1s" help:"Stats print interval."`
	CacheSize  int           `default:"64" help:"Writer schemas kept decoded."`
}

func (c *ServeCommand) Run(ctx context.Context, log *zap.Logger) error {
	srv := fakeserver.New(
		fakeserver.WithLogger(log),
		fakeserver.WithNamespaceCacheSize(c.CacheSize),
	)
	go srv.Stats().Print(ctx, stdout, c.StatsEvery)
	return fakeserver.ListenAndServe(ctx, c.Addr, srv)
}
