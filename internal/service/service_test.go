package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/polymarket-bot/internal/adapters"
	"github.com/Rajchodisetti/polymarket-bot/internal/config"
)

func TestUserSubscribeEncoderShape(t *testing.T) {
	b, err := json.Marshal(userSubscribeEncoder([]string{"0xaaa", "0xbbb"}, true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"markets":["0xaaa","0xbbb"],"type":"USER"}`, string(b))

	// The user channel has no unsubscribe operation; the frame shape is the
	// same either way.
	b, err = json.Marshal(userSubscribeEncoder([]string{"0xaaa"}, false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"markets":["0xaaa"],"type":"USER"}`, string(b))
}

func testConfig() config.Root {
	return config.Root{
		Websocket: config.Websocket{
			MarketURL: "wss://example.test/market",
			UserURL:   "wss://example.test/user",
		},
		RefreshSecs: 300,
		Commission:  config.Commission{ReconcileIntervalSecs: 600},
	}
}

func TestNewRegistersBothConnections(t *testing.T) {
	store := adapters.NewMemoryStore()
	svc, err := New(testConfig(), store,
		&adapters.RecordingExchange{}, &adapters.FakeChain{},
		&adapters.RecordingNotifier{}, adapters.StaticKeySource{})
	require.NoError(t, err)

	assert.NotNil(t, svc.Price())
	assert.NotNil(t, svc.Mirror())
	assert.NotNil(t, svc.Fill())
	assert.NotNil(t, svc.Watcher())
	assert.False(t, svc.supervisor.IsConnected(marketConn))
	assert.False(t, svc.supervisor.IsConnected(userConn))
}

func TestNewRejectsMissingURLs(t *testing.T) {
	cfg := testConfig()
	cfg.Websocket.MarketURL = ""
	store := adapters.NewMemoryStore()
	_, err := New(cfg, store,
		&adapters.RecordingExchange{}, &adapters.FakeChain{},
		&adapters.RecordingNotifier{}, adapters.StaticKeySource{})
	assert.Error(t, err)
}
