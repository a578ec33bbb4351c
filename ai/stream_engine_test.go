package ai

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"
)

// nopWriteCloser собирает всё, что движок пишет в stdin подпроцесса.
type nopWriteCloser struct {
	bytes.Buffer
}

func (nopWriteCloser) Close() error { return nil }

func TestReadResponsesPublishesInOrder(t *testing.T) {
	e := &StreamEngine{
		running: true,
		updates: make(chan StreamUpdate, updateQueueSize),
	}

	// NDJSON как его пишет движок: ready, volatile, confirmed, мусорная
	// строка, неполный update, финал, ошибка, неизвестный тип
	input := strings.Join([]string{
		`{"type":"ready"}`,
		`{"type":"update","text":"привет","is_confirmed":false}`,
		`{"type":"update","text":"Привет.","is_confirmed":true,"confidence":0.92,"tokens_per_second":38.5}`,
		`this is not json`,
		`{"type":"update"}`,
		`{"type":"final","text":"Привет. Пока."}`,
		`{"type":"error","message":"window overflow"}`,
		`{"type":"wat"}`,
	}, "\n")

	e.readResponses(strings.NewReader(input))

	if !e.Ready() {
		t.Fatal("ready response must mark engine ready")
	}

	var got []StreamUpdate
	for len(e.updates) > 0 {
		got = append(got, <-e.updates)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 updates, got %d: %+v", len(got), got)
	}

	if got[0].Kind != UpdateText || got[0].IsConfirmed || got[0].Text != "привет" {
		t.Errorf("volatile update mismatch: %+v", got[0])
	}
	if got[1].Kind != UpdateText || !got[1].IsConfirmed || got[1].Text != "Привет." {
		t.Errorf("confirmed update mismatch: %+v", got[1])
	}
	if got[1].Confidence != 0.92 || got[1].TokensPerSecond != 38.5 {
		t.Errorf("metrics lost: %+v", got[1])
	}
	if got[2].Kind != UpdateEnded || got[2].Text != "Привет. Пока." {
		t.Errorf("final mismatch: %+v", got[2])
	}
	if got[3].Kind != UpdateError || got[3].Err == nil ||
		!strings.Contains(got[3].Err.Error(), "window overflow") {
		t.Errorf("error event mismatch: %+v", got[3])
	}
}

func TestSendSamplesSmallBufferAsJSONArray(t *testing.T) {
	out := &nopWriteCloser{}
	e := &StreamEngine{stdin: out}

	if err := e.sendSamples([]float32{0.5, -0.25}); err != nil {
		t.Fatalf("sendSamples: %v", err)
	}

	line := out.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatal("command must be newline-terminated")
	}

	var cmd streamCommand
	if err := json.Unmarshal([]byte(line), &cmd); err != nil {
		t.Fatalf("unmarshal command: %v", err)
	}
	if cmd.Command != "stream" {
		t.Errorf("command = %q, want stream", cmd.Command)
	}
	if cmd.SamplesBase64 != nil {
		t.Error("small buffer must go as plain JSON array")
	}
	if len(cmd.Samples) != 2 || cmd.Samples[0] != 0.5 || cmd.Samples[1] != -0.25 {
		t.Errorf("samples mismatch: %v", cmd.Samples)
	}
}

func TestSendSamplesLargeBufferAsBase64(t *testing.T) {
	out := &nopWriteCloser{}
	e := &StreamEngine{stdin: out}

	src := make([]float32, 1001)
	for i := range src {
		src[i] = float32(i) / 1000
	}
	if err := e.sendSamples(src); err != nil {
		t.Fatalf("sendSamples: %v", err)
	}

	var cmd streamCommand
	if err := json.Unmarshal(out.Bytes(), &cmd); err != nil {
		t.Fatalf("unmarshal command: %v", err)
	}
	if cmd.Samples != nil {
		t.Error("large buffer must not go as plain JSON array")
	}
	if cmd.SamplesBase64 == nil {
		t.Fatal("large buffer must go as base64")
	}

	raw, err := base64.StdEncoding.DecodeString(*cmd.SamplesBase64)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	decoded := make([]float32, len(raw)/4)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, decoded); err != nil {
		t.Fatalf("read float32 LE: %v", err)
	}
	if len(decoded) != len(src) {
		t.Fatalf("decoded %d samples, want %d", len(decoded), len(src))
	}
	for i := range src {
		if decoded[i] != src[i] {
			t.Fatalf("sample %d = %v, want %v", i, decoded[i], src[i])
		}
	}
}

func TestFeedDropsOldestWhenFull(t *testing.T) {
	e := &StreamEngine{feed: make(chan []float32, 2)}

	e.Feed([]float32{1})
	e.Feed([]float32{2})
	e.Feed([]float32{3}) // очередь полна: самый старый буфер вылетает

	if n := e.DroppedFeeds(); n != 1 {
		t.Fatalf("dropped = %d, want 1", n)
	}
	first := <-e.feed
	second := <-e.feed
	if first[0] != 2 || second[0] != 3 {
		t.Fatalf("queue order after drop: %v, %v", first, second)
	}

	// Пустой буфер игнорируется
	e.Feed(nil)
	if len(e.feed) != 0 {
		t.Error("empty feed must be a no-op")
	}
}

func TestFeedCopiesCallerBuffer(t *testing.T) {
	e := &StreamEngine{feed: make(chan []float32, 1)}

	buf := []float32{0.1, 0.2}
	e.Feed(buf)
	buf[0] = 99 // вызывающий переиспользует свой буфер

	queued := <-e.feed
	if queued[0] != 0.1 || queued[1] != 0.2 {
		t.Fatalf("queued buffer shares memory with caller: %v", queued)
	}
}

func TestPublishDropsOnOverflow(t *testing.T) {
	e := &StreamEngine{updates: make(chan StreamUpdate, 1)}

	e.publish(StreamUpdate{Kind: UpdateText, Text: "первый"})
	e.publish(StreamUpdate{Kind: UpdateText, Text: "второй"}) // переполнение

	if len(e.updates) != 1 {
		t.Fatalf("updates queue length = %d, want 1", len(e.updates))
	}
	if got := <-e.updates; got.Text != "первый" {
		t.Fatalf("kept update = %q, want the first one", got.Text)
	}
}
