package ptyterm

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fernet/fernet-go"
)

func TestSessionRecording_RecordsBothDirections(t *testing.T) {
	rec := NewSessionRecording(0)
	rec.RecordInput([]byte("ls\n"))
	rec.RecordOutput([]byte("file.txt\r\n"))

	entries := rec.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Type != "i" || entries[0].Data != "ls\n" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Type != "o" || entries[1].Data != "file.txt\r\n" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if entries[1].Elapsed < entries[0].Elapsed {
		t.Error("elapsed times not monotonic")
	}
}

func TestSessionRecording_MaxEntries(t *testing.T) {
	rec := NewSessionRecording(2)
	for i := 0; i < 5; i++ {
		rec.RecordOutput([]byte("x"))
	}
	if n := len(rec.Entries()); n != 2 {
		t.Errorf("got %d entries, want 2", n)
	}
}

func TestSessionRecording_CastFormat(t *testing.T) {
	rec := NewSessionRecording(0)
	rec.RecordOutput([]byte("hi"))

	data, err := rec.Cast(80, 24)
	if err != nil {
		t.Fatalf("Cast: %v", err)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() {
		t.Fatal("missing header line")
	}
	var header map[string]interface{}
	if err := json.Unmarshal(sc.Bytes(), &header); err != nil {
		t.Fatalf("header: %v", err)
	}
	if header["version"] != float64(2) || header["width"] != float64(80) || header["height"] != float64(24) {
		t.Errorf("header = %v", header)
	}

	if !sc.Scan() {
		t.Fatal("missing event line")
	}
	var event []interface{}
	if err := json.Unmarshal(sc.Bytes(), &event); err != nil {
		t.Fatalf("event: %v", err)
	}
	if len(event) != 3 || event[1] != "o" || event[2] != "hi" {
		t.Errorf("event = %v", event)
	}
}

type fernetSealer struct{ key *fernet.Key }

func (s fernetSealer) Encrypt(p []byte) ([]byte, error) { return fernet.EncryptAndSign(p, s.key) }

func TestWriteRecording_Sealed(t *testing.T) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	rec := NewSessionRecording(0)
	rec.RecordOutput([]byte("secret output"))

	path, err := WriteRecording(dir, "abc", 80, 24, rec, fernetSealer{key: &k})
	if err != nil {
		t.Fatalf("WriteRecording: %v", err)
	}
	if filepath.Base(path) != "abc.cast.enc" {
		t.Errorf("path = %s", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if bytes.Contains(raw, []byte("secret output")) {
		t.Error("sealed recording contains plaintext")
	}
	plain := fernet.VerifyAndDecrypt(raw, 0, []*fernet.Key{&k})
	if !bytes.Contains(plain, []byte("secret output")) {
		t.Errorf("decrypted recording missing output: %q", plain)
	}
}

func TestWriteRecording_Plain(t *testing.T) {
	dir := t.TempDir()
	rec := NewSessionRecording(0)
	rec.RecordOutput([]byte("hello"))

	path, err := WriteRecording(filepath.Join(dir, "nested"), "s1", 80, 24, rec, nil)
	if err != nil {
		t.Fatalf("WriteRecording: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if !bytes.Contains(raw, []byte(`"hello"`)) {
		t.Errorf("recording = %q", raw)
	}
}
