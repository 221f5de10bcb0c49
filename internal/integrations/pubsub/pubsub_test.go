package pubsub

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/anstrom/portwatch/internal/errors"
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/scanning"
	"github.com/anstrom/portwatch/internal/watch"
)

const testProject = "portwatch-test"

func fakeServer(t *testing.T) (*pstest.Server, []option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return srv, []option.ClientOption{option.WithGRPCConn(conn)}
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(logging.DefaultConfig(), io.Discard)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{TopicID: "updates"})
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))

	_, err = New(context.Background(), Config{ProjectID: testProject})
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))
}

func TestNew_MissingTopic(t *testing.T) {
	_, opts := fakeServer(t)

	_, err := New(context.Background(), Config{
		ProjectID:     testProject,
		TopicID:       "missing",
		ClientOptions: opts,
		Logger:        testLogger(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestPublisher_Deliver(t *testing.T) {
	srv, opts := fakeServer(t)
	ctx := context.Background()

	p, err := New(ctx, Config{
		ProjectID:     testProject,
		TopicID:       "updates",
		CreateTopic:   true,
		ClientOptions: opts,
		Logger:        testLogger(),
	})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	assert.Equal(t, "pubsub", p.Name())

	update := &watch.HostUpdate{
		Type:      watch.UpdateInitial,
		Host:      "10.0.0.1",
		Cycle:     1,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		PortUpdates: []watch.PortUpdate{
			{Port: 22, New: scanning.NewPortStatus(scanning.StateOpen, "ssh")},
		},
	}
	require.NoError(t, p.Deliver(ctx, update))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "INITIAL", msgs[0].Attributes["type"])
	assert.Equal(t, "10.0.0.1", msgs[0].Attributes["host"])
	assert.Equal(t, "1", msgs[0].Attributes["cycle"])
	assert.Equal(t, "10.0.0.1", msgs[0].OrderingKey)

	var got watch.HostUpdate
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, update.Host, got.Host)
	assert.Equal(t, update.PortUpdates, got.PortUpdates)
}

func TestPublisher_NewWithTopic(t *testing.T) {
	srv, opts := fakeServer(t)
	ctx := context.Background()

	client, err := pubsub.NewClient(ctx, testProject, opts...)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	topic, err := client.CreateTopic(ctx, "events")
	require.NoError(t, err)

	p := NewWithTopic(topic, testLogger())
	require.NoError(t, p.Deliver(ctx, &watch.HostUpdate{Type: watch.UpdateDown, Host: "h1"}))
	require.NoError(t, p.Close())

	require.Len(t, srv.Messages(), 1)
	assert.Equal(t, "DOWN", srv.Messages()[0].Attributes["type"])
}
