package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/austinkregel/local-media/playd/internal/playback"
	"github.com/austinkregel/local-media/playd/internal/types"
)

func TestFrameRoundTrip(t *testing.T) {
	req, err := NewRequest(CmdPlay, PlayArgs{Query: "morning"})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	size := binary.BigEndian.Uint32(buf.Bytes()[:4])
	if int(size) != buf.Len()-4 {
		t.Errorf("Expected length prefix %d, got %d", buf.Len()-4, size)
	}

	var decoded Request
	if err := ReadFrame(&buf, &decoded); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if decoded.Cmd != CmdPlay {
		t.Errorf("Expected cmd 'play', got '%s'", decoded.Cmd)
	}
	if string(decoded.Args) != `{"query":"morning"}` {
		t.Errorf("Unexpected args: %s", decoded.Args)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)

	var req Request
	err := ReadFrame(bytes.NewReader(header[:]), &req)
	if !errors.Is(err, types.ErrBadRequest) {
		t.Errorf("Expected bad request, got %v", err)
	}
}

func TestReadFrameRejectsInvalidJSON(t *testing.T) {
	payload := []byte(`{"cmd":`)
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)

	var req Request
	err := ReadFrame(&buf, &req)
	if !errors.Is(err, types.ErrBadRequest) {
		t.Errorf("Expected bad request, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(100))
	buf.WriteString(`{"cmd":"status"}`)

	var req Request
	err := ReadFrame(&buf, &req)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected unexpected EOF, got %v", err)
	}

	err = ReadFrame(&bytes.Buffer{}, &req)
	if !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF on empty stream, got %v", err)
	}
}

func TestWriteFrameRejectsOversized(t *testing.T) {
	req := &Request{Cmd: CmdPlay, Args: json.RawMessage(`"` + strings.Repeat("a", MaxFrameSize) + `"`)}
	err := WriteFrame(io.Discard, req)
	if !errors.Is(err, types.ErrBadRequest) {
		t.Errorf("Expected bad request, got %v", err)
	}
}

func TestEncodeResponse(t *testing.T) {
	resp := NewSuccessResponse(types.Snapshot{Mode: types.ModePaused, Index: 2, Volume: 40})

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Result is not valid JSON: %v", err)
	}
	if decoded["ok"] != true {
		t.Errorf("Expected ok true, got %v", decoded["ok"])
	}
	if _, ok := decoded["error"]; ok {
		t.Error("Expected no error field on success")
	}
	snap := decoded["data"].(map[string]interface{})
	if snap["mode"] != "paused" {
		t.Errorf("Expected mode 'paused', got '%v'", snap["mode"])
	}
}

func TestErrorResponseCarriesKind(t *testing.T) {
	resp := NewErrorResponse(errors.Wrap(types.ErrAmbiguousMatch, `"rain" matches 2 tracks`))

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"kind":"ambiguous_match"`) {
		t.Errorf("Expected kind in %s", data)
	}

	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.OK {
		t.Error("Expected ok false")
	}
	if !errors.Is(decoded.Err(), types.ErrAmbiguousMatch) {
		t.Errorf("Expected ambiguous match, got %v", decoded.Err())
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		req  string
		want playback.Command
	}{
		{"play", `{"cmd":"play","args":{"query":" morning "}}`, playback.Play("morning")},
		{"play without args", `{"cmd":"play"}`, playback.Play("")},
		{"play queue", `{"cmd":"play_queue","args":{"queries":["a","b"],"start":1}}`, playback.PlayQueue([]string{"a", "b"}, 1)},
		{"pause", `{"cmd":"pause"}`, playback.Simple(playback.OpPause)},
		{"previous", `{"cmd":"previous"}`, playback.Simple(playback.OpPrevious)},
		{"seek", `{"cmd":"seek","args":{"position_ms":-5000}}`, playback.Seek(-5 * time.Second)},
		{"seek far", `{"cmd":"seek","args":{"position_ms":9000000000000}}`, playback.Seek(9000000000000 * time.Millisecond)},
		{"volume", `{"cmd":"set_volume","args":{"level":150}}`, playback.SetVolume(150)},
		{"enqueue", `{"cmd":"enqueue","args":{"query":"rain"}}`, playback.Enqueue("rain")},
		{"shuffle off", `{"cmd":"set_shuffle","args":{"enabled":false}}`, playback.SetShuffle(false)},
		{"repeat", `{"cmd":"set_repeat","args":{"mode":"ALL"}}`, playback.SetRepeat(types.RepeatAll)},
		{"clear", `{"cmd":"queue_clear"}`, playback.Simple(playback.OpQueueClear)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			if err := json.Unmarshal([]byte(tt.req), &req); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			cmd, err := ParseCommand(&req)
			if err != nil {
				t.Fatalf("ParseCommand failed: %v", err)
			}
			if cmd.Op != tt.want.Op || cmd.Query != tt.want.Query || cmd.Start != tt.want.Start ||
				cmd.Position != tt.want.Position || cmd.Level != tt.want.Level ||
				cmd.Enabled != tt.want.Enabled || cmd.Repeat != tt.want.Repeat ||
				strings.Join(cmd.Queries, ",") != strings.Join(tt.want.Queries, ",") {
				t.Errorf("Expected %+v, got %+v", tt.want, cmd)
			}
		})
	}
}

func TestParseCommandBadRequests(t *testing.T) {
	tests := []string{
		`{}`,
		`{"cmd":"explode"}`,
		`{"cmd":"track_end"}`,
		`{"cmd":"daemon_stop"}`,
		`{"cmd":"seek"}`,
		`{"cmd":"seek","args":{}}`,
		`{"cmd":"seek","args":{"position_ms":"soon"}}`,
		`{"cmd":"seek","args":{"position_ms":9300000000000}}`,
		`{"cmd":"seek","args":{"position_ms":-9300000000000}}`,
		`{"cmd":"set_volume","args":{}}`,
		`{"cmd":"enqueue","args":{"query":""}}`,
		`{"cmd":"set_shuffle","args":null}`,
		`{"cmd":"set_repeat","args":{"mode":"sometimes"}}`,
		`{"cmd":"play_queue"}`,
	}

	for _, raw := range tests {
		var req Request
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			t.Fatalf("Unmarshal %s failed: %v", raw, err)
		}
		_, err := ParseCommand(&req)
		if !errors.Is(err, types.ErrBadRequest) {
			t.Errorf("%s: expected bad request, got %v", raw, err)
		}
	}
}
