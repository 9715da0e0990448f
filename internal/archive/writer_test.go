package archive

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"marketstream/models"
)

func TestEncodeBatchJSONLines(t *testing.T) {
	batch := []models.SnapshotMessage{
		models.NewSnapshotMessage(models.RankedView{TotalCoins: 2}, time.UnixMilli(1700000000000)),
		models.NewSnapshotMessage(models.RankedView{TotalCoins: 3}, time.UnixMilli(1700000003000)),
	}

	body, err := encodeBatch(batch)
	if err != nil {
		t.Fatalf("encodeBatch failed: %v", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("output is not gzip: %v", err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	var lines int
	for scanner.Scan() {
		var msg models.SnapshotMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines+1, err)
		}
		if msg.Type != models.MessageTypeTopGainersUpdate {
			t.Errorf("line %d has wrong type: %s", lines+1, msg.Type)
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if lines != 2 {
		t.Fatalf("expected 2 JSON lines, got %d", lines)
	}
}

func TestObjectKeyPartitioning(t *testing.T) {
	at := time.Date(2026, 8, 31, 14, 30, 0, 0, time.UTC)

	key := objectKey("market/snapshots", at)
	if !strings.HasPrefix(key, "market/snapshots/dt=2026-08-31/hour=14/snapshots-20260831T143000Z-") {
		t.Errorf("unexpected key layout: %s", key)
	}
	if !strings.HasSuffix(key, ".json.gz") {
		t.Errorf("key missing suffix: %s", key)
	}

	bare := objectKey("", at)
	if !strings.HasPrefix(bare, "dt=2026-08-31/hour=14/") {
		t.Errorf("empty prefix must not leave a leading slash: %s", bare)
	}
}

func TestObjectKeyUnique(t *testing.T) {
	at := time.Now().UTC()
	if objectKey("p", at) == objectKey("p", at) {
		t.Fatal("keys for the same instant must still be unique")
	}
}
