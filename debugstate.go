package sapi

import "github.com/cryguy/sapi/internal/state"

// ThreadDebugState is a snapshot of one bound thread.
type ThreadDebugState struct {
	Index                    int    `json:"index"`
	State                    string `json:"state"`
	Worker                   bool   `json:"worker"`
	IsWaiting                bool   `json:"is_waiting"`
	IsBusy                   bool   `json:"is_busy"`
	WaitingSinceMilliseconds int64  `json:"waiting_since_milliseconds"`
}

// DebugStateInfo is a snapshot of the whole thread table.
type DebugStateInfo struct {
	Threads        []ThreadDebugState `json:"threads"`
	UnboundThreads int                `json:"unbound_threads"`
}

// DebugState reports the state of every thread slot. It is meant for
// diagnostics and may change between releases.
func DebugState() DebugStateInfo {
	p := current()
	if p == nil {
		return DebugStateInfo{}
	}

	p.mu.Lock()
	threads := make([]*Thread, len(p.threads))
	copy(threads, p.threads)
	p.mu.Unlock()

	info := DebugStateInfo{Threads: make([]ThreadDebugState, 0, len(threads))}
	for _, t := range threads {
		if t == nil || t.state.Is(state.StateUnbound) {
			info.UnboundThreads++
			continue
		}
		info.Threads = append(info.Threads, ThreadDebugState{
			Index:                    t.index,
			State:                    t.state.Name(),
			Worker:                   t.worker.Load(),
			IsWaiting:                t.state.IsInWaitingState(),
			IsBusy:                   t.state.Is(state.StateServing),
			WaitingSinceMilliseconds: t.state.WaitTime(),
		})
	}
	return info
}
