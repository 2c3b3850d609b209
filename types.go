package tpu_sender

import (
	"time"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Error *rpcError `json:"error,omitempty"`
}

type getSlotResponse struct {
	rpcResponse
	Result *uint64 `json:"result"`
}

type getSlotLeadersResponse struct {
	rpcResponse
	Result []string `json:"result"`
}

type getClusterNodesResponse struct {
	rpcResponse
	Result []*ClusterNode `json:"result"`
}

// ClusterNode is a validator's gossip contact info as returned by getClusterNodes.
type ClusterNode struct {
	PubKey          string `json:"pubkey"`
	TPU             string `json:"tpu"`
	TPUForwards     string `json:"tpuForwards"`
	TPUQuic         string `json:"tpuQuic"`
	TPUForwardsQuic string `json:"tpuForwardsQuic"`
	Version         string `json:"version"`
}

type slotMessage struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Parent uint64 `json:"parent"`
			Root   uint64 `json:"root"`
			Slot   uint64 `json:"slot"`
		} `json:"result"`
		Subscription uint64 `json:"subscription"`
	} `json:"params"`
}

// ClusterEndpoint identifies the cluster a sender talks to.
type ClusterEndpoint struct {
	HTTPURL      string
	WebsocketURL string
}

// SlotLeader is one entry of the leader schedule.
type SlotLeader struct {
	Slot     uint64
	Identity string
}

// SlotLeaderSchedule is an ordered run of slot leaders starting at FirstSlot.
type SlotLeaderSchedule struct {
	CurrentSlot uint64
	FirstSlot   uint64
	Leaders     []SlotLeader
	FetchedAt   time.Time
}

// LastSlot returns the final slot the schedule covers.
func (s *SlotLeaderSchedule) LastSlot() uint64 {
	if len(s.Leaders) == 0 {
		return s.FirstSlot
	}
	return s.FirstSlot + uint64(len(s.Leaders)) - 1
}

// Covers reports whether slots [from, to] are all inside the schedule.
func (s *SlotLeaderSchedule) Covers(from, to uint64) bool {
	return len(s.Leaders) > 0 && from >= s.FirstSlot && to <= s.LastSlot()
}

// UpcomingLeaders returns the leader of slot and the next n distinct leaders after it,
// deduplicated by identity, in slot order.
func (s *SlotLeaderSchedule) UpcomingLeaders(slot uint64, n int) []SlotLeader {
	if slot < s.FirstSlot {
		return nil
	}

	seen := make(map[string]struct{}, n+1)
	out := make([]SlotLeader, 0, n+1)
	for i := slot - s.FirstSlot; i < uint64(len(s.Leaders)); i++ {
		l := s.Leaders[i]
		if _, ok := seen[l.Identity]; ok {
			continue
		}
		seen[l.Identity] = struct{}{}
		out = append(out, l)
		if len(out) == n+1 {
			break
		}
	}
	return out
}

// LeaderTpuAddress is a validator's resolved TPU sockets.
type LeaderTpuAddress struct {
	Identity   string
	UDP        string
	QUIC       string
	ResolvedAt time.Time
}

// Destination is a single fan-out target.
type Destination struct {
	Identity string
	Slot     uint64
	Addr     string
	Protocol Protocol
}

// Outcome of one transmission.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNetworkError
	OutcomeTimeout
	OutcomeConnectError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeConnectError:
		return "connect_error"
	}
	return "unknown"
}

// SubmissionAttempt records what happened for one destination.
type SubmissionAttempt struct {
	Destination Destination
	Timestamp   time.Time
	Duration    time.Duration
	Outcome     Outcome
	Err         error
}
