package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stampchain/internal/blockchain"
	"stampchain/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *blockchain.Blockchain) {
	t.Helper()
	_, ts, bc := newTestNode(t)
	return ts, bc
}

func newTestNode(t *testing.T) (*Server, *httptest.Server, *blockchain.Blockchain) {
	t.Helper()
	store, err := storage.NewDatabase(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bc, err := blockchain.NewBlockchain(store, blockchain.Options{Workers: 2})
	require.NoError(t, err)
	t.Cleanup(bc.Close)

	s := NewServer(bc, store, "127.0.0.1:0", []string{"*"})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, bc
}

func postEntry(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/transactions/new", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func getJSON(t *testing.T, url string, v interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestNewTransaction(t *testing.T) {
	ts, bc := newTestServer(t)

	resp := postEntry(t, ts, `{"owner": "Alice", "stamp": "Penny Black", "year": 1840}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var body struct {
		Message string `json:"message"`
		Index   int    `json:"index"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Transaction will be added to Block 2", body.Message)
	assert.Equal(t, 2, body.Index)
	assert.Equal(t, []blockchain.Entry{{Owner: "Alice", Stamp: "Penny Black", Year: 1840}}, bc.Pending())
}

func TestNewTransaction_Rejects(t *testing.T) {
	ts, bc := newTestServer(t)

	cases := map[string]string{
		"missing year":  `{"owner": "Alice", "stamp": "Penny Black"}`,
		"missing owner": `{"stamp": "Penny Black", "year": 1840}`,
		"bad json":      `{"owner": `,
		"bad year":      `{"owner": "Alice", "stamp": "Penny Black", "year": "1840"}`,
	}
	for name, body := range cases {
		resp := postEntry(t, ts, body)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
	assert.Empty(t, bc.Pending())

	resp, err := http.Get(ts.URL + "/transactions/new")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMineAndChain(t *testing.T) {
	ts, bc := newTestServer(t)
	postEntry(t, ts, `{"owner": "Alice", "stamp": "Penny Black", "year": 1840}`).Body.Close()

	var mined struct {
		Message      string             `json:"message"`
		Index        int                `json:"index"`
		Transactions []blockchain.Entry `json:"transactions"`
		Proof        int64              `json:"proof"`
		PreviousHash string             `json:"previous_hash"`
	}
	resp := getJSON(t, ts.URL+"/mine", &mined)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "New Block Forged", mined.Message)
	assert.Equal(t, 2, mined.Index)
	assert.Equal(t, []blockchain.Entry{{Owner: "Alice", Stamp: "Penny Black", Year: 1840}}, mined.Transactions)
	assert.Equal(t, int64(35293), mined.Proof)

	var chain struct {
		Chain  []blockchain.Block `json:"chain"`
		Length int                `json:"length"`
	}
	getJSON(t, ts.URL+"/chain", &chain)
	assert.Equal(t, 2, chain.Length)
	require.Len(t, chain.Chain, 2)
	assert.Equal(t, bc.GetChain(), chain.Chain)

	genesisHash, err := chain.Chain[0].Hash()
	require.NoError(t, err)
	assert.Equal(t, genesisHash, mined.PreviousHash)

	var valid struct {
		Valid bool `json:"valid"`
	}
	getJSON(t, ts.URL+"/chain/valid", &valid)
	assert.True(t, valid.Valid)

	var pending struct {
		Length int `json:"length"`
	}
	getJSON(t, ts.URL+"/transactions/pending", &pending)
	assert.Equal(t, 0, pending.Length)
}

func TestMine_ShutdownAnswersUnavailable(t *testing.T) {
	s, ts, bc := newTestNode(t)
	bc.NewEntry("Alice", "Penny Black", 1840)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	resp, err := http.Get(ts.URL + "/mine")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1, bc.GetChainLength())
	assert.Len(t, bc.Pending(), 1)
}

func TestGetBlock(t *testing.T) {
	ts, bc := newTestServer(t)
	postEntry(t, ts, `{"owner": "Alice", "stamp": "Penny Black", "year": 1840}`).Body.Close()
	getJSON(t, ts.URL+"/mine", nil)

	var byIndex blockchain.Block
	resp := getJSON(t, ts.URL+"/blocks/2", &byIndex)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, byIndex.Index)

	hash, err := byIndex.Hash()
	require.NoError(t, err)
	var byHash storage.BlockData
	resp = getJSON(t, ts.URL+"/blocks/"+hash, &byHash)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, byHash.Index)
	assert.Equal(t, hash, byHash.Hash)

	resp = getJSON(t, ts.URL+"/blocks/9", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = getJSON(t, ts.URL+"/blocks/deadbeef", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, 2, bc.GetChainLength())
}

func TestEntriesByOwner(t *testing.T) {
	ts, _ := newTestServer(t)
	postEntry(t, ts, `{"owner": "Alice", "stamp": "Penny Black", "year": 1840}`).Body.Close()
	postEntry(t, ts, `{"owner": "Bob", "stamp": "Inverted Jenny", "year": 1918}`).Body.Close()
	getJSON(t, ts.URL+"/mine", nil)

	var out struct {
		Entries []storage.EntryData `json:"entries"`
		Length  int                 `json:"length"`
	}
	getJSON(t, ts.URL+"/entries?owner=Alice", &out)
	assert.Equal(t, 1, out.Length)
	assert.Equal(t, "Penny Black", out.Entries[0].Stamp)
	assert.Equal(t, 2, out.Entries[0].BlockIndex)

	resp := getJSON(t, ts.URL+"/entries", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	ts, _ := newTestServer(t)
	postEntry(t, ts, `{"owner": "Alice", "stamp": "Penny Black", "year": 1840}`).Body.Close()
	getJSON(t, ts.URL+"/mine", nil)

	var stats blockchain.StatsSnapshot
	getJSON(t, ts.URL+"/stats", &stats)
	assert.Equal(t, int64(1), stats.BlocksSealed)
	assert.Equal(t, int64(1), stats.EntriesAdded)
	assert.True(t, stats.HashAttempts > 0)
}

func TestIndexPage(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	resp = getJSON(t, ts.URL+"/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	ts, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/chain", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocketStreamsSealedBlocks(t *testing.T) {
	ts, bc := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is registered after the upgrade completes
	time.Sleep(100 * time.Millisecond)
	bc.NewEntry("Alice", "Penny Black", 1840)
	getJSON(t, ts.URL+"/mine", nil)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var block blockchain.Block
	require.NoError(t, conn.ReadJSON(&block))
	assert.Equal(t, 2, block.Index)
	assert.Equal(t, "Alice", block.Entries[0].Owner)
}
