package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterRejectsUnknownKind(t *testing.T) {
	w, err := NewWorker("w0", Config{})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.CreateRouter(context.Background(), core.RTPCapabilities{Codecs: []core.CodecCapability{{Kind: "data", MimeType: "x/y"}}})
	assert.Error(t, err)
}

func TestTransportLifecycle(t *testing.T) {
	w, err := NewWorker("w0", Config{MinPort: 40000, MaxPort: 40100})
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := w.CreateRouter(ctx, core.DefaultCodecProfile())
	require.NoError(t, err)
	assert.True(t, r.Capabilities().Supports("video/H264"))

	tr, err := r.CreateTransport(ctx, core.TransportOptions{ID: "t1"})
	require.NoError(t, err)
	params := tr.Params()
	assert.Equal(t, domain.TransportID("t1"), params.ID)
	assert.True(t, params.ICEParameters.ICELite)
	assert.NotEmpty(t, params.ICEParameters.UsernameFragment)
	assert.NotEmpty(t, params.DTLSParameters.Fingerprints)

	_, err = tr.Consume(ctx, "missing", core.DefaultCodecProfile())
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	tr.Close()
	assert.True(t, tr.Closed())
	assert.ErrorIs(t, tr.Connect(ctx, core.SecurityParams{}), domain.ErrTransportClosed)
	_, err = tr.Produce(ctx, core.MediaParams{Kind: core.KindAudio, MimeType: "audio/opus"})
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
}

func TestWorkerCloseIsIdempotent(t *testing.T) {
	factory := NewWorkerFactory(Config{})
	mw, err := factory(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "worker-3", mw.ID())

	require.NoError(t, mw.Close())
	require.NoError(t, mw.Close())
	assert.True(t, mw.Closed())
	_, err = mw.CreateRouter(context.Background(), core.DefaultCodecProfile())
	assert.Error(t, err)
}
