package chain

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcHandler func(method string, params []json.RawMessage) (interface{}, *rpcError)

// fakeNode is a minimal JSON-RPC endpoint. Calls are recorded by method.
type fakeNode struct {
	*httptest.Server

	mu    sync.Mutex
	calls map[string]int
	drops map[string]int
	down  bool
}

func newFakeNode(t *testing.T, chainID string, handle rpcHandler) *fakeNode {
	t.Helper()
	n := &fakeNode{calls: make(map[string]int), drops: make(map[string]int)}
	n.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		down := n.down
		n.mu.Unlock()
		if down {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		n.mu.Lock()
		n.calls[req.Method]++
		drop := n.drops[req.Method] > 0
		if drop {
			n.drops[req.Method]--
		}
		n.mu.Unlock()

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if req.Method == "eth_chainId" {
			resp["result"] = chainID
		} else {
			result, rerr := handle(req.Method, req.Params)
			if rerr != nil {
				resp["error"] = rerr
			} else {
				resp["result"] = result
			}
		}
		if drop {
			// The request was handled; the caller never hears back.
			panic(http.ErrAbortHandler)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(n.Close)
	return n
}

func (n *fakeNode) setDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// dropNext handles the next call to method but aborts the connection instead
// of answering it.
func (n *fakeNode) dropNext(method string) {
	n.mu.Lock()
	n.drops[method]++
	n.mu.Unlock()
}
