// Package grpctransport opens append streams over gRPC.
package grpctransport

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/metadata"

	"github.com/ozontech/appender/managedwriter"
)

type Option func(*Transport)

func WithLogger(log *zap.Logger) Option {
	return func(t *Transport) {
		t.log = log
	}
}

// WithWriteStream adds the routing header the service expects for the
// destination stream.
func WithWriteStream(stream string) Option {
	return func(t *Transport) {
		t.md = metadata.Pairs("x-goog-request-params", "write_stream="+url.QueryEscape(stream))
	}
}

// WithCompression compresses requests with gzip.
func WithCompression() Option {
	return func(t *Transport) {
		t.callOpts = append(t.callOpts, grpc.UseCompressor(gzip.Name))
	}
}

type Transport struct {
	client   storagepb.BigQueryWriteClient
	callOpts []grpc.CallOption
	md       metadata.MD
	log      *zap.Logger
}

var (
	_ managedwriter.Transport           = (*Transport)(nil)
	_ managedwriter.TransientClassifier = (*Transport)(nil)
)

func New(cc grpc.ClientConnInterface, opts ...Option) *Transport {
	t := &Transport{
		client: storagepb.NewBigQueryWriteClient(cc),
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Dial creates a plaintext client connection to addr.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return cc, nil
}

func (t *Transport) OpenStream(ctx context.Context) (managedwriter.Stream, error) {
	if len(t.md) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, t.md)
	}
	s, err := t.client.AppendRows(ctx, t.callOpts...)
	if err != nil {
		return nil, err
	}
	t.log.Debug("append stream opened")
	return s, nil
}

// IsTransient treats cancellation by the caller as permanent.
func (t *Transport) IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return managedwriter.DefaultClassifier(err)
}
