package rdb_test

import (
	"testing"

	"github.com/arjunsk/goredis-server/rdb"
)

func sixBitString(s string) []byte {
	return append([]byte{byte(len(s))}, []byte(s)...)
}

func minimalSnapshot(entries ...[2]string) []byte {
	buf := []byte("REDIS0011")
	buf = append(buf, 0xFE, 0x00)       // SELECTDB 0
	buf = append(buf, 0xFB, byte(len(entries)), 0x00) // RESIZEDB marker, table size, expiry size
	for _, kv := range entries {
		buf = append(buf, 0x00) // type string
		buf = append(buf, sixBitString(kv[0])...)
		buf = append(buf, sixBitString(kv[1])...)
	}
	buf = append(buf, 0xFF)
	return buf
}

func TestParseMinimal(t *testing.T) {
	buf := minimalSnapshot([2]string{"foo", "bar"})

	snap, err := rdb.Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if string(snap.Header) != "REDIS0011" {
		t.Errorf("Header = %q, want REDIS0011", snap.Header)
	}
	entry, ok := snap.DB.Entries["foo"]
	if !ok {
		t.Fatalf("missing key foo, got %v", snap.DB.Entries)
	}
	if string(entry.Value) != "bar" {
		t.Errorf("value = %q, want bar", entry.Value)
	}
	if entry.ExpireAtMs != 0 {
		t.Errorf("ExpireAtMs = %d, want 0", entry.ExpireAtMs)
	}
}

func TestParseWithExpiry(t *testing.T) {
	buf := []byte("REDIS0011")
	buf = append(buf, 0xFE, 0x00)
	buf = append(buf, 0xFB, 0x01, 0x00)
	buf = append(buf, 0xFC, 0xE8, 0x03, 0, 0, 0, 0, 0, 0) // 1000 ms, little-endian
	buf = append(buf, 0x00)
	buf = append(buf, sixBitString("k")...)
	buf = append(buf, sixBitString("v")...)
	buf = append(buf, 0xFF)

	snap, err := rdb.Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	entry := snap.DB.Entries["k"]
	if entry.ExpireAtMs != 1000 {
		t.Errorf("ExpireAtMs = %d, want 1000", entry.ExpireAtMs)
	}
}

func TestParseAuxField(t *testing.T) {
	buf := []byte("REDIS0011")
	buf = append(buf, 0xFA)
	buf = append(buf, sixBitString("redis-ver")...)
	buf = append(buf, sixBitString("7.2.0")...)
	buf = append(buf, 0xFE, 0x00, 0xFB, 0x00, 0x00, 0xFF)

	snap, err := rdb.Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if snap.Metadata["redis-ver"] != "7.2.0" {
		t.Errorf("Metadata[redis-ver] = %q, want 7.2.0", snap.Metadata["redis-ver"])
	}
}

func TestParseMissingEOFIsFatal(t *testing.T) {
	buf := minimalSnapshot([2]string{"foo", "bar"})
	buf = buf[:len(buf)-1] // drop the trailing EOF opcode

	if _, err := rdb.Parse(buf); err == nil {
		t.Fatal("expected an error when the snapshot never reaches EOF")
	}
}

func TestParseUnsupportedTypeIsFatal(t *testing.T) {
	buf := []byte("REDIS0011")
	buf = append(buf, 0xFE, 0x00, 0xFB, 0x01, 0x00)
	buf = append(buf, 0x01) // RDB list type, unsupported
	buf = append(buf, sixBitString("k")...)
	buf = append(buf, 0xFF)

	if _, err := rdb.Parse(buf); err == nil {
		t.Fatal("expected an error for an unsupported value type")
	}
}

func TestParseLZFStringIsFatal(t *testing.T) {
	buf := []byte("REDIS0011")
	buf = append(buf, 0xFE, 0x00, 0xFB, 0x01, 0x00)
	buf = append(buf, 0x00)
	buf = append(buf, sixBitString("k")...)
	buf = append(buf, 0xC3) // special encoding 11, format 3 (LZF)
	buf = append(buf, 0xFF)

	if _, err := rdb.Parse(buf); err == nil {
		t.Fatal("expected an error for an LZF-compressed string")
	}
}

func TestParseMissingMagicIsFatal(t *testing.T) {
	buf := []byte("GARBAGE01")
	if _, err := rdb.Parse(buf); err == nil {
		t.Fatal("expected an error for a missing REDIS magic header")
	}
}
