package stream_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/bedwatch/pkg/stream"
)

func newJetStreamStore(t *testing.T) stream.Store {
	srv, err := stream.StartEmbeddedNATS(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	s, err := stream.NewJetStreamStore(srv.Conn(), stream.WithSubjectPrefix("test"))
	require.NoError(t, err)
	return s
}

func TestJetStreamStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded nats server")
	}
	t.Parallel()
	runStoreContract(t, newJetStreamStore)
}
