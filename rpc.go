package tpu_sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type RPCService struct {
	rpcEndpoint string
	http        *http.Client
}

func (s *RPCService) Load(rpcEndpoint string, timeout time.Duration) error {
	if rpcEndpoint == "" {
		return errors.New("invalid rpc endpoint")
	}

	s.rpcEndpoint = rpcEndpoint
	s.http = &http.Client{Timeout: timeout}

	return nil
}

func (s *RPCService) Slot(ctx context.Context) (uint64, error) {
	var out getSlotResponse
	err := s.rpcRequest(ctx, "getSlot", []any{map[string]string{"commitment": "processed"}}, &out)
	if err != nil {
		return 0, err
	}
	if out.Result == nil {
		return 0, errors.New("getSlot: missing result")
	}

	return *out.Result, nil
}

// SlotLeaders returns the identities leading limit slots starting at startSlot.
func (s *RPCService) SlotLeaders(ctx context.Context, startSlot uint64, limit uint64) ([]string, error) {
	var out getSlotLeadersResponse
	if err := s.rpcRequest(ctx, "getSlotLeaders", []any{startSlot, limit}, &out); err != nil {
		return nil, err
	}

	return out.Result, nil
}

func (s *RPCService) ClusterNodes(ctx context.Context) ([]*ClusterNode, error) {
	var out getClusterNodesResponse
	if err := s.rpcRequest(ctx, "getClusterNodes", nil, &out); err != nil {
		return nil, err
	}

	return out.Result, nil
}

type rpcErrorCarrier interface {
	rpcErr() *rpcError
}

func (r rpcResponse) rpcErr() *rpcError { return r.Error }

func (s *RPCService) rpcRequest(ctx context.Context, method string, params []any, out rpcErrorCarrier) error {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", method, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", method, err)
	}

	if e := out.rpcErr(); e != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, e.Code, e.Message)
	}

	return nil
}
