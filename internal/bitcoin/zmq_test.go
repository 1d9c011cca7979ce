package bitcoin

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gompminer/pkg/log"
)

func TestBlockWatcher_HandleMessage(t *testing.T) {
	display := "00000000000000022246451e9af7ac4f8bff2527d223f6e623740e92171592f2"
	want, err := chainhash.NewHashFromStr(display)
	if err != nil {
		t.Fatalf("NewHashFromStr() error = %v", err)
	}

	var got []chainhash.Hash
	w := &BlockWatcher{
		logger:  log.NewNop(),
		onBlock: func(h chainhash.Hash) { got = append(got, h) },
	}

	tests := []struct {
		name    string
		topic   string
		data    []byte
		wantErr bool
		calls   int
	}{
		{"hashblock", TopicHashBlock, mustHex(t, display), false, 1},
		{"short hash", TopicHashBlock, []byte{1, 2, 3}, true, 1},
		{"other topic", "hashtx", bytes.Repeat([]byte{0xaa}, 32), false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := w.HandleMessage(tt.topic, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("HandleMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.calls {
				t.Errorf("onBlock called %d times, want %d", len(got), tt.calls)
			}
		})
	}

	if len(got) > 0 && got[0] != *want {
		t.Errorf("onBlock hash = %s, want %s", got[0], display)
	}
}

func TestNewBlockWatcher(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ZMQ socket test in short mode")
	}

	w, err := NewBlockWatcher("tcp://127.0.0.1:28332", log.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewBlockWatcher() error = %v", err)
	}
	if w.endpoint != "tcp://127.0.0.1:28332" {
		t.Errorf("endpoint = %q", w.endpoint)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
