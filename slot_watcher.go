package tpu_sender

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog/log"
)

var slotSubscribeRequest = []byte(`{"jsonrpc":"2.0","id":1,"method":"slotSubscribe"}`)

// SlotWatcher follows slotSubscribe notifications and remembers the highest slot seen.
type SlotWatcher struct {
	url     string
	backoff backoff

	slot    atomic.Uint64
	updated atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSlotWatcher(wsURL string, b backoff) *SlotWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &SlotWatcher{
		url:     wsURL,
		backoff: b,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (w *SlotWatcher) Start() {
	go w.run()
}

// Latest returns the last observed slot if it is no older than maxAge.
func (w *SlotWatcher) Latest(maxAge time.Duration) (uint64, bool) {
	u := w.updated.Load()
	if u == 0 || time.Since(time.Unix(0, u)) > maxAge {
		return 0, false
	}
	return w.slot.Load(), true
}

func (w *SlotWatcher) Close() error {
	w.cancel()
	<-w.done
	return nil
}

func (w *SlotWatcher) observe(slot uint64) {
	for {
		cur := w.slot.Load()
		if slot < cur || w.slot.CompareAndSwap(cur, slot) {
			break
		}
	}
	w.updated.Store(time.Now().UnixNano())
}

func (w *SlotWatcher) run() {
	defer close(w.done)

	attempt := 0
	for w.ctx.Err() == nil {
		received, err := w.subscribe()
		if w.ctx.Err() != nil {
			return
		}
		if received {
			attempt = 0
		}

		d := w.backoff.delay(attempt)
		attempt++
		log.Warn().Err(err).Str("ws", w.url).Msgf("SlotWatcher::run subscription lost, retrying in %s", d)

		t := time.NewTimer(d)
		select {
		case <-w.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (w *SlotWatcher) subscribe() (bool, error) {
	conn, br, _, err := ws.Dial(w.ctx, w.url)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(w.ctx, func() { _ = conn.Close() })
	defer stop()

	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
		defer ws.PutReader(br)
	}

	if err := wsutil.WriteClientText(conn, slotSubscribeRequest); err != nil {
		return false, err
	}
	log.Debug().Str("ws", w.url).Msg("SlotWatcher::subscribe subscribed")

	received := false
	for {
		data, _, err := wsutil.ReadServerData(rw)
		if err != nil {
			return received, err
		}

		var msg slotMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Method != "slotNotification" {
			continue
		}
		w.observe(msg.Params.Result.Slot)
		received = true
	}
}
