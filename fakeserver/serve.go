package fakeserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

type Stats struct {
	BytesIn     atomic.Uint64
	RequestsIn  atomic.Uint64
	RequestsOut atomic.Uint64
	Rows        atomic.Uint64
}

// Print пишет в w счетчики за каждый интервал, пока не отменен ctx.
func (st *Stats) Print(ctx context.Context, w io.Writer, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if st.RequestsIn.Load() == 0 {
				continue
			}
			fmt.Fprintln(w,
				"bytesIN:", humanize.Bytes(st.BytesIn.Swap(0)),
				"requestsIN:", st.RequestsIn.Swap(0),
				"requestsOUT:", st.RequestsOut.Swap(0),
				"rows:", humanize.Comma(int64(st.Rows.Swap(0))),
			)
		}
	}
}

// Register adds s to a gRPC server together with server reflection.
func Register(gs *grpc.Server, s *Server) {
	storagepb.RegisterBigQueryWriteServer(gs, s)
	reflection.Register(gs)
}

// ListenAndServe serves s on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, s *Server) error {
	//nolint:gosec
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	gs := grpc.NewServer()
	Register(gs, s)
	s.log.Info("serving", zap.Stringer("addr", l.Addr()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		gs.GracefulStop()
		return nil
	})
	g.Go(func() error {
		defer gs.Stop()
		if err := gs.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	return g.Wait()
}
