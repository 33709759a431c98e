package managedwriter_test

import (
	"context"
	"testing"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/ozontech/appender/managedwriter"
)

const streamID = "projects/p/datasets/d/tables/t/streams/s1"

func rowDescriptor() *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{
		Name: proto.String("Row"),
		Field: []*descriptorpb.FieldDescriptorProto{{
			Name:   proto.String("name"),
			Number: proto.Int32(1),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:   descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
		}},
	}
}

func TestNewStreamWriterValidates(t *testing.T) {
	t.Parallel()

	conn, err := managedwriter.NewConnection(&fakeTransport{})
	require.NoError(t, err)

	_, err = managedwriter.NewStreamWriter(nil, streamID, rowDescriptor())
	assert.Error(t, err)
	_, err = managedwriter.NewStreamWriter(conn, "", rowDescriptor())
	assert.Error(t, err)
	_, err = managedwriter.NewStreamWriter(conn, streamID, nil)
	assert.Error(t, err)
}

func TestAppendRowsBuildsRequest(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	tr := &fakeTransport{}
	conn := openConnection(t, tr)

	dp := rowDescriptor()
	w, err := managedwriter.NewStreamWriter(conn, streamID, dp, managedwriter.WithTraceID("loader"))
	require.NoError(t, err)
	// изменения исходного дескриптора не видны писателю
	dp.Name = proto.String("Changed")

	_, err = w.AppendRows(context.Background(), nil)
	a.ErrorIs(err, managedwriter.ErrNoRows)

	rows := [][]byte{{0x0a, 0x01, 'a'}, {0x0a, 0x01, 'b'}}
	first, err := w.AppendRows(context.Background(), rows)
	require.NoError(t, err)
	second, err := w.AppendRows(context.Background(), rows, managedwriter.WithOffset(0))
	require.NoError(t, err)

	req := first.Request()
	a.Equal(streamID, req.GetWriteStream())
	a.Equal("loader", req.GetTraceId())
	a.Nil(req.GetOffset())
	a.Equal(rows, req.GetProtoRows().GetRows().GetSerializedRows())
	a.Equal("Row", req.GetProtoRows().GetWriterSchema().GetProtoDescriptor().GetName())
	a.EqualValues(proto.Size(req), first.Size())

	off := second.Request().GetOffset()
	require.NotNil(t, off, "offset 0 must be sent")
	a.Zero(off.GetValue())

	a.Less(first.Seq(), second.Seq())
	for _, pw := range []*managedwriter.PendingWrite{first, second} {
		_, err := waitResult(t, pw)
		a.NoError(err)
	}

	a.NoError(w.Close(context.Background()))
	a.Equal(managedwriter.StatusClosed, conn.Status())
}

func TestStreamWritersShareConnection(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var got []string
	tr := &fakeTransport{onOpen: func(_ int, s *fakeStream) {
		s.serve(func(req *storagepb.AppendRowsRequest) *storagepb.AppendRowsResponse {
			got = append(got, req.GetWriteStream())
			return ack(0)
		})
	}}
	conn := openConnection(t, tr)

	w1, err := managedwriter.NewStreamWriter(conn, streamID, rowDescriptor())
	require.NoError(t, err)
	w2, err := managedwriter.NewStreamWriter(conn, streamID+"-other", rowDescriptor())
	require.NoError(t, err)

	pw1, err := w1.AppendRows(context.Background(), [][]byte{{}})
	require.NoError(t, err)
	pw2, err := w2.AppendRows(context.Background(), [][]byte{{}})
	require.NoError(t, err)
	for _, pw := range []*managedwriter.PendingWrite{pw1, pw2} {
		_, err := waitResult(t, pw)
		a.NoError(err)
	}
	a.NoError(conn.Close(context.Background()))
	a.Equal([]string{streamID, streamID + "-other"}, got)
}

func TestAppendRowsDoesNotRetainSlice(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	conn := openConnection(t, &fakeTransport{})
	w, err := managedwriter.NewStreamWriter(conn, streamID, rowDescriptor())
	require.NoError(t, err)

	// так же переиспользует срез пул батчей
	rows := make([][]byte, 0, 2)
	rows = append(rows, []byte{0x0a, 0x01, 'a'}, []byte{0x0a, 0x01, 'b'})
	pw, err := w.AppendRows(context.Background(), rows)
	require.NoError(t, err)
	_, err = waitResult(t, pw)
	require.NoError(t, err)

	clear(rows)
	rows = append(rows[:0], []byte{0x0a, 0x01, 'c'})

	a.Equal([][]byte{{0x0a, 0x01, 'a'}, {0x0a, 0x01, 'b'}}, pw.Request().GetProtoRows().GetRows().GetSerializedRows())
	a.NoError(conn.Close(context.Background()))
}
