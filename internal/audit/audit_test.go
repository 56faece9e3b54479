package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestPlacedRecordFields(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "info")

	tr.Placed("BTCUSDT", "entry_slice", 42, "sell", 0.5, 101.25)

	line := strings.SplitN(buf.String(), "\n", 2)[0]
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	if rec["stream"] != "order_audit" || rec["event"] != "placed" {
		t.Fatalf("record = %v", rec)
	}
	if rec["symbol"] != "BTCUSDT" || rec["kind"] != "entry_slice" {
		t.Fatalf("record = %v", rec)
	}
	if rec["order_id"].(float64) != 42 || rec["price"].(float64) != 101.25 {
		t.Fatalf("record = %v", rec)
	}
}

func TestFillAndTerminalRecords(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "info")

	tr.Filled("ETHUSDT", 7, 1.5, 99.9, 0.02, true)
	tr.Terminal("ETHUSDT", 8, "CANCELED")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	var fill, term map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &fill); err != nil {
		t.Fatalf("unmarshal fill: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &term); err != nil {
		t.Fatalf("unmarshal terminal: %v", err)
	}
	if fill["event"] != "filled" || fill["maker"] != true {
		t.Fatalf("fill = %v", fill)
	}
	if term["event"] != "terminal" || term["status"] != "CANCELED" {
		t.Fatalf("terminal = %v", term)
	}
}

func TestLevelSuppressesOutput(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "ERROR")

	tr.Placed("BTCUSDT", "close_maker", 1, "buy", 1, 100)
	if buf.Len() != 0 {
		t.Fatalf("expected no output at error level, got %q", buf.String())
	}
}
