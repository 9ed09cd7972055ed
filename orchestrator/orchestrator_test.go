package orchestrator

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

// fakeHTTPClient answers GET /eth/v1/node/syncing with a canned
// is_syncing value per URL, simulating a fleet of beacon nodes
// without a real HTTP server.
type fakeHTTPClient struct {
	syncingByURL map[string]bool // true = still syncing (unhealthy)
	unreachable  map[string]bool
}

func (f *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	url := req.URL.String()
	if f.unreachable[url] {
		return nil, io.ErrClosedPipe
	}
	syncing := f.syncingByURL[url]
	body := `{"data":{"is_syncing":false}}`
	if syncing {
		body = `{"data":{"is_syncing":true}}`
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body))}, nil
}

func testPortMaps() []BeaconNodePortMap {
	return []BeaconNodePortMap{
		{HostID: HostID{Host: "node-a", Port: 22}, LighthouseRPC: 5001, PrysmHTTP: 5002, PrysmGRPC: 5003},
		{HostID: HostID{Host: "node-b", Port: 22}, LighthouseRPC: 6001, PrysmHTTP: 6002, PrysmGRPC: 6003},
	}
}

func TestOrchestrator_Prioritize_MovesNodeToFront(t *testing.T) {
	o := New("mainnet", "0xabc", "", "", testPortMaps(), ValidatorRelease{ImplName: ImplLighthouse}, nil, nil, &fakeHTTPClient{}, testLogger())

	require.NoError(t, o.Prioritize("node-b", 22))

	pms := o.PortMaps()
	require.Equal(t, "node-b", pms[0].HostID.Host)
	require.Equal(t, "node-a", pms[1].HostID.Host)
}

func TestOrchestrator_Prioritize_UnknownNode(t *testing.T) {
	o := New("mainnet", "0xabc", "", "", testPortMaps(), ValidatorRelease{ImplName: ImplLighthouse}, nil, nil, &fakeHTTPClient{}, testLogger())

	err := o.Prioritize("node-z", 22)
	require.ErrorIs(t, err, ErrUnknownNode)
}

func TestOrchestrator_SelectHealthyNode_SkipsUnsynced(t *testing.T) {
	pms := testPortMaps()
	http := &fakeHTTPClient{
		syncingByURL: map[string]bool{
			pms[0].syncingURL(pms[0].LighthouseRPC): true, // node-a still syncing
		},
	}
	o := New("mainnet", "0xabc", "", "", pms, ValidatorRelease{ImplName: ImplLighthouse}, nil, nil, http, testLogger())

	pm, ok := o.selectHealthyNode(context.Background(), ImplLighthouse)
	require.True(t, ok)
	require.Equal(t, "node-b", pm.HostID.Host)
}

func TestOrchestrator_SelectHealthyNode_NoneHealthy(t *testing.T) {
	pms := testPortMaps()
	http := &fakeHTTPClient{
		syncingByURL: map[string]bool{
			pms[0].syncingURL(pms[0].LighthouseRPC): true,
			pms[1].syncingURL(pms[1].LighthouseRPC): true,
		},
	}
	o := New("mainnet", "0xabc", "", "", pms, ValidatorRelease{ImplName: ImplLighthouse}, nil, nil, http, testLogger())

	_, ok := o.selectHealthyNode(context.Background(), ImplLighthouse)
	require.False(t, ok)
}

func TestOrchestrator_IsRunning_InitiallyFalse(t *testing.T) {
	o := New("mainnet", "0xabc", "", "", testPortMaps(), ValidatorRelease{ImplName: ImplLighthouse}, nil, nil, &fakeHTTPClient{}, testLogger())
	require.False(t, o.IsRunning())
	_, ok := o.ConnectedHost()
	require.False(t, ok)
}

func TestBeaconNodePortMap_BeaconAPIPort(t *testing.T) {
	pm := testPortMaps()[0]

	port, err := pm.BeaconAPIPort(ImplLighthouse)
	require.NoError(t, err)
	require.Equal(t, pm.LighthouseRPC, port)

	port, err = pm.BeaconAPIPort(ImplPrysm)
	require.NoError(t, err)
	require.Equal(t, pm.PrysmHTTP, port)

	_, err = pm.BeaconAPIPort("geth")
	require.ErrorIs(t, err, ErrBadValidatorRelease)
}

func TestValidatorRelease_String(t *testing.T) {
	r := ValidatorRelease{ImplName: ImplLighthouse, Version: "4.5.0", Checksum: "deadbeef"}
	require.Equal(t, "lighthouse:4.5.0 (deadbeef)", r.String())
}
